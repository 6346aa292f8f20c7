// Package errors provides centralized error handling with category metadata
// for the capture pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

const (
	// CategoryDecode covers unreadable or unsupported input images. Fatal to the
	// capture, never retried.
	CategoryDecode ErrorCategory = "image-decode"
	// CategoryStorage covers durable store failures. Fatal to the specific
	// persistence attempt.
	CategoryStorage ErrorCategory = "storage"
	// CategoryTransfer covers network failures and non-2xx upload responses.
	// Retryable up to the configured limit.
	CategoryTransfer ErrorCategory = "transfer"
	// CategoryCancellation marks aborted transfers. Not a failure, never
	// consumes a retry attempt.
	CategoryCancellation ErrorCategory = "cancellation"
	// CategoryChannel covers duplex channel drops, recovered by reconnection.
	CategoryChannel ErrorCategory = "channel"

	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryImageProcess  ErrorCategory = "image-processing"
	CategoryQueue         ErrorCategory = "upload-queue"
	CategorySync          ErrorCategory = "sync"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryGeneric       ErrorCategory = "generic"
)

// CategorizedError is an interface for errors that can specify their own category
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error          // Original error
	component string         // Component where error occurred (lazily detected)
	Category  ErrorCategory  // Error category for better grouping
	Context   map[string]any // Additional context data
	Timestamp time.Time      // When the error occurred
	mu        sync.RWMutex
	detected  bool // Whether component has been auto-detected
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is implements error type checking
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// ErrorCategory implements CategorizedError
func (ee *EnhancedError) ErrorCategory() ErrorCategory {
	return ee.Category
}

// GetCategory returns the error category as a string
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetComponent returns the component name, detecting it lazily if needed
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	if ee.detected || ee.component != "" {
		c := ee.component
		ee.mu.RUnlock()
		if c == "" {
			return ComponentUnknown
		}
		return c
	}
	ee.mu.RUnlock()

	ee.mu.Lock()
	defer ee.mu.Unlock()
	if !ee.detected && ee.component == "" {
		ee.component = detectComponent()
		ee.detected = true
	}
	if ee.component == "" {
		return ComponentUnknown
	}
	return ee.component
}

// GetContext returns a copy of the context map
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	out := make(map[string]any, len(ee.Context))
	maps.Copy(out, ee.Context)
	return out
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new error builder wrapping err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new builder around a formatted error
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name (auto-detected if not set)
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category for better grouping
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError
func (eb *ErrorBuilder) Build() *EnhancedError {
	category := eb.category
	if category == "" {
		category = CategoryGeneric
	}
	return &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  category,
		Context:   eb.context,
		Timestamp: time.Now(),
		detected:  eb.component != "",
	}
}

// componentRegistry maps package path fragments to component names
var (
	componentRegistry = map[string]string{}
	registryMutex     sync.RWMutex
)

// RegisterComponent registers a package path pattern with a component name
func RegisterComponent(packagePattern, componentName string) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	componentRegistry[packagePattern] = componentName
}

func init() {
	RegisterComponent("imageproc", "imageproc")
	RegisterComponent("capture", "capture")
	RegisterComponent("photostore", "photostore")
	RegisterComponent("realtime", "realtime")
	RegisterComponent("uploadqueue", "uploadqueue")
	RegisterComponent("syncer", "syncer")
	RegisterComponent("api", "api")
	RegisterComponent("connectivity", "connectivity")
	RegisterComponent("conf", "configuration")
}

// detectComponent walks the call stack looking for a registered package
func detectComponent() string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	for depth := 2; depth < 10; depth++ {
		pc, _, _, ok := runtime.Caller(depth)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		name := fn.Name()
		for pattern, component := range componentRegistry {
			if strings.Contains(name, "/internal/"+pattern+".") ||
				strings.Contains(name, "/internal/"+pattern+"/") {
				return component
			}
		}
	}
	return ""
}

// HasCategory reports whether any error in the chain carries the category.
func HasCategory(err error, category ErrorCategory) bool {
	var categorized CategorizedError
	if As(err, &categorized) {
		return categorized.ErrorCategory() == category
	}
	return false
}

// Standard library re-exports so callers only need one errors import.

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// NewStd creates a plain sentinel error without enhancement
func NewStd(text string) error {
	return stderrors.New(text)
}
