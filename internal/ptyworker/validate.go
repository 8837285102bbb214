package ptyworker

import (
	"encoding/base64"
	"fmt"
	"math"
)

// InvalidMessageError reports a message that does not match any known shape.
type InvalidMessageError struct {
	Type   string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	if e.Type == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid %s message: %s", e.Type, e.Reason)
}

// ValidateEvent checks a generically decoded worker event before any typed
// access. It never panics, whatever the input.
func ValidateEvent(msg map[string]any) error {
	typ, err := messageType(msg)
	if err != nil {
		return err
	}
	v := validator{msg: msg, typ: typ}
	switch typ {
	case TypeReady:
		v.optionalString("message")
	case TypeSpawned:
		v.sessionID()
		v.integer("pid", true, 1)
	case TypeData:
		v.sessionID()
		v.base64("data")
	case TypeExit:
		v.sessionID()
		v.integer("exitCode", true, math.MinInt32)
		v.optionalString("signal")
	case TypeError:
		if _, ok := present(msg, "id"); ok {
			v.sessionID()
		}
		v.errorPayload()
	case TypeResized:
		v.sessionID()
		v.dimension("cols", true)
		v.dimension("rows", true)
	case TypeKilled:
		v.sessionID()
	default:
		return &InvalidMessageError{Type: typ, Reason: "unknown event type"}
	}
	return v.err
}

// ValidateRequest checks a generically decoded supervisor request.
func ValidateRequest(msg map[string]any) error {
	typ, err := messageType(msg)
	if err != nil {
		return err
	}
	v := validator{msg: msg, typ: typ}
	switch typ {
	case TypeSpawn:
		v.sessionID()
		v.nonEmptyString("shell")
		v.stringList("args")
		v.spawnOptions()
	case TypeWrite:
		v.sessionID()
		v.base64("data")
	case TypeResize:
		v.sessionID()
		v.dimension("cols", true)
		v.dimension("rows", true)
	case TypeKill:
		v.sessionID()
		v.optionalString("signal")
	default:
		return &InvalidMessageError{Type: typ, Reason: "unknown request type"}
	}
	return v.err
}

// SessionIDOf extracts a usable session id from an otherwise invalid
// message, so a rejection can still be reported against that session.
func SessionIDOf(msg map[string]any) (int, bool) {
	raw, ok := present(msg, "id")
	if !ok {
		return 0, false
	}
	n, ok := raw.(float64)
	if !ok || n != math.Trunc(n) || n < 1 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

func messageType(msg map[string]any) (string, error) {
	if msg == nil {
		return "", &InvalidMessageError{Reason: "not an object"}
	}
	raw, ok := msg["type"]
	if !ok {
		return "", &InvalidMessageError{Reason: "missing type"}
	}
	typ, ok := raw.(string)
	if !ok || typ == "" {
		return "", &InvalidMessageError{Reason: "type must be a non-empty string"}
	}
	return typ, nil
}

// present treats an explicit JSON null the same as an absent field.
func present(msg map[string]any, key string) (any, bool) {
	raw, ok := msg[key]
	if !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

// validator records the first failure and skips every later check.
type validator struct {
	msg map[string]any
	typ string
	err error
}

func (v *validator) fail(format string, args ...any) {
	if v.err == nil {
		v.err = &InvalidMessageError{Type: v.typ, Reason: fmt.Sprintf(format, args...)}
	}
}

func (v *validator) sessionID() {
	v.integer("id", true, 1)
}

func (v *validator) integer(key string, required bool, min float64) {
	if v.err != nil {
		return
	}
	raw, ok := present(v.msg, key)
	if !ok {
		if required {
			v.fail("missing %s", key)
		}
		return
	}
	n, ok := raw.(float64)
	if !ok {
		v.fail("%s must be a number", key)
		return
	}
	if n != math.Trunc(n) || math.IsInf(n, 0) {
		v.fail("%s must be an integer", key)
		return
	}
	if n < min || n > math.MaxInt32 {
		v.fail("%s out of range", key)
	}
}

func (v *validator) dimension(key string, required bool) {
	if v.err != nil {
		return
	}
	v.integer(key, required, 1)
	if v.err != nil {
		return
	}
	if raw, ok := present(v.msg, key); ok && raw.(float64) > math.MaxUint16 {
		v.fail("%s out of range", key)
	}
}

func (v *validator) optionalString(key string) {
	if v.err != nil {
		return
	}
	if raw, ok := present(v.msg, key); ok {
		if _, isString := raw.(string); !isString {
			v.fail("%s must be a string", key)
		}
	}
}

func (v *validator) nonEmptyString(key string) {
	if v.err != nil {
		return
	}
	raw, ok := present(v.msg, key)
	if !ok {
		v.fail("missing %s", key)
		return
	}
	s, isString := raw.(string)
	if !isString || s == "" {
		v.fail("%s must be a non-empty string", key)
	}
}

func (v *validator) base64(key string) {
	if v.err != nil {
		return
	}
	raw, ok := present(v.msg, key)
	if !ok {
		v.fail("missing %s", key)
		return
	}
	s, isString := raw.(string)
	if !isString {
		v.fail("%s must be a base64 string", key)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		v.fail("%s is not valid base64", key)
	}
}

func (v *validator) stringList(key string) {
	if v.err != nil {
		return
	}
	raw, ok := present(v.msg, key)
	if !ok {
		return
	}
	list, isList := raw.([]any)
	if !isList {
		v.fail("%s must be an array of strings", key)
		return
	}
	for i, item := range list {
		if _, isString := item.(string); !isString {
			v.fail("%s[%d] must be a string", key, i)
			return
		}
	}
}

func (v *validator) errorPayload() {
	if v.err != nil {
		return
	}
	raw, ok := present(v.msg, "error")
	if !ok {
		v.fail("missing error")
		return
	}
	obj, isObj := raw.(map[string]any)
	if !isObj {
		v.fail("error must be an object")
		return
	}
	if _, isString := obj["message"].(string); !isString {
		v.fail("error.message must be a string")
		return
	}
	for _, key := range []string{"stack", "code", "reason"} {
		if field, ok := present(obj, key); ok {
			if _, isString := field.(string); !isString {
				v.fail("error.%s must be a string", key)
				return
			}
		}
	}
}

func (v *validator) spawnOptions() {
	if v.err != nil {
		return
	}
	raw, ok := present(v.msg, "options")
	if !ok {
		return
	}
	obj, isObj := raw.(map[string]any)
	if !isObj {
		v.fail("options must be an object")
		return
	}
	inner := validator{msg: obj, typ: v.typ}
	inner.optionalString("cwd")
	inner.dimension("cols", false)
	inner.dimension("rows", false)
	if env, ok := present(obj, "env"); ok && inner.err == nil {
		envObj, isObj := env.(map[string]any)
		if !isObj {
			inner.fail("options.env must be an object")
		}
		for k, val := range envObj {
			if _, isString := val.(string); !isString {
				inner.fail("options.env[%s] must be a string", k)
				break
			}
		}
	}
	if inner.err != nil {
		v.err = inner.err
	}
}
