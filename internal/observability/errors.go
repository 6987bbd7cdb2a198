package observability

import (
	"errors"
	"fmt"
	"sync"
)

type sentinelClass struct {
	err   error
	class string
}

var (
	sentinelMu      sync.RWMutex
	sentinelClasses []sentinelClass
)

// RegisterErrorClass gives a sentinel error a stable metric label.
func RegisterErrorClass(sentinel error, class string) {
	if sentinel == nil || class == "" {
		return
	}
	sentinelMu.Lock()
	defer sentinelMu.Unlock()
	for i := range sentinelClasses {
		if sentinelClasses[i].err == sentinel {
			sentinelClasses[i].class = class
			return
		}
	}
	sentinelClasses = append(sentinelClasses, sentinelClass{err: sentinel, class: class})
}

// ErrorClass labels err for metrics. A registered sentinel anywhere in the
// wrap chain wins; otherwise the deepest typed error names the class, and
// untyped chains fall back to the type of the root error. A nil error
// yields "none".
func ErrorClass(err error) string {
	if err == nil {
		return "none"
	}
	sentinelMu.RLock()
	defer sentinelMu.RUnlock()

	class := ""
	root := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		for _, s := range sentinelClasses {
			if e == s.err {
				return s.class
			}
		}
		if !genericError(e) {
			class = typeName(e)
		}
		root = e
	}
	if class == "" {
		class = typeName(root)
	}
	return class
}

func genericError(err error) bool {
	switch typeName(err) {
	case "errors.errorString", "fmt.wrapError", "fmt.wrapErrors", "errors.joinError":
		return true
	}
	return false
}

func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	if len(name) > 0 && name[0] == '*' {
		return name[1:]
	}
	return name
}
