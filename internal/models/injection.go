package models

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/mountebank-testing/mbengine/internal/util"
)

const injectionDisabledMessage = "JavaScript injection is not allowed unless mb is run with the --allowInjection flag"

// Injector runs user-supplied JavaScript for inject predicates, inject responses,
// decorate and wait behaviors, and proxy predicate generators. Every call gets a
// fresh interpreter; only the imposter state survives between calls.
type Injector struct {
	allowed bool
}

// NewInjector creates an injector; when allowed is false every call fails with an
// injection error
func NewInjector(allowed bool) *Injector {
	return &Injector{allowed: allowed}
}

// Allowed reports whether injection is enabled
func (in *Injector) Allowed() bool {
	return in != nil && in.allowed
}

func (in *Injector) checkAllowed(source string) error {
	if !in.Allowed() {
		return util.NewInjectionError(injectionDisabledMessage, source, nil)
	}
	return nil
}

// compiled is a user function loaded into a runtime
type compiled struct {
	vm    *goja.Runtime
	fn    goja.Callable
	arity int
}

func (in *Injector) compile(source string, logger *util.Logger) (*compiled, error) {
	vm := goja.New()
	installPolyfills(vm, logger)

	value, err := vm.RunString("(" + strings.TrimSpace(source) + ")")
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("injection must evaluate to a function")
	}
	arity := 0
	if length := value.ToObject(vm).Get("length"); length != nil {
		arity = int(length.ToInteger())
	}
	return &compiled{vm: vm, fn: fn, arity: arity}, nil
}

// jsLogger exposes the scoped logger to extension code
func jsLogger(logger *util.Logger) map[string]interface{} {
	log := func(level func(...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			level(joinArgs(call))
			return goja.Undefined()
		}
	}
	return map[string]interface{}{
		"debug": log(logger.Debug),
		"info":  log(logger.Info),
		"warn":  log(logger.Warn),
		"error": log(logger.Error),
	}
}

func joinArgs(call goja.FunctionCall) string {
	parts := make([]string, 0, len(call.Arguments))
	for _, arg := range call.Arguments {
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, " ")
}

// installPolyfills adds the console and Buffer globals scripts commonly rely on
func installPolyfills(vm *goja.Runtime, logger *util.Logger) {
	console := vm.NewObject()
	logFns := jsLogger(logger)
	_ = console.Set("log", logFns["info"])
	_ = console.Set("info", logFns["info"])
	_ = console.Set("debug", logFns["debug"])
	_ = console.Set("warn", logFns["warn"])
	_ = console.Set("error", logFns["error"])
	_ = vm.Set("console", console)

	newBuffer := func(data []byte) goja.Value {
		buf := vm.NewObject()
		_ = buf.Set("length", len(data))
		_ = buf.Set("toString", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) > 0 && call.Arguments[0].String() == "base64" {
				return vm.ToValue(base64.StdEncoding.EncodeToString(data))
			}
			return vm.ToValue(string(data))
		})
		return buf
	}

	buffer := vm.NewObject()
	_ = buffer.Set("from", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		input := call.Arguments[0].String()
		if len(call.Arguments) > 1 && call.Arguments[1].String() == "base64" {
			data, err := base64.StdEncoding.DecodeString(input)
			if err != nil {
				panic(vm.NewTypeError("invalid base64 input"))
			}
			return newBuffer(data)
		}
		return newBuffer([]byte(input))
	})
	_ = buffer.Set("alloc", func(call goja.FunctionCall) goja.Value {
		size := 0
		if len(call.Arguments) > 0 {
			size = int(call.Arguments[0].ToInteger())
		}
		return newBuffer(make([]byte, size))
	})
	_ = vm.Set("Buffer", buffer)
}

// requestObject builds the request view handed to extension code; body is always
// present so scripts can JSON.parse it unconditionally
func requestObject(request *Request) map[string]interface{} {
	obj := request.ToMap()
	if request.Protocol != "" {
		obj["protocol"] = request.Protocol
	}
	if request.Timestamp != "" {
		obj["timestamp"] = request.Timestamp
	}
	if request.IsHTTP() {
		obj["body"] = request.Body
	}
	return obj
}

func injectionError(message, source string, err error) error {
	return util.NewInjectionError(message, source, err.Error())
}

// Predicate runs an inject predicate. Functions declaring two or more parameters
// get the legacy (request, logger, state) arguments; the rest get one config object.
func (in *Injector) Predicate(source string, request *Request, state *ImposterState, logger *util.Logger) (bool, error) {
	if err := in.checkAllowed(source); err != nil {
		return false, err
	}

	var result bool
	err := state.With(func(values map[string]interface{}) error {
		c, err := in.compile(source, logger)
		if err != nil {
			return err
		}
		log := jsLogger(logger)
		req := requestObject(request)
		config := map[string]interface{}{}
		for key, value := range req {
			config[key] = value
		}
		config["request"] = req
		config["state"] = values
		config["logger"] = log

		var value goja.Value
		if c.arity >= 2 {
			value, err = c.fn(goja.Undefined(), c.vm.ToValue(config), c.vm.ToValue(log), c.vm.ToValue(values))
		} else {
			value, err = c.fn(goja.Undefined(), c.vm.ToValue(config))
		}
		if err != nil {
			return err
		}
		result = value.ToBoolean()
		return nil
	})
	if err != nil {
		logger.Errorf("injection error: %v; full source: %s", err, source)
		return false, injectionError("invalid predicate injection", source, err)
	}
	return result, nil
}

// Response runs an inject response. The function either returns the response or
// hands it to the callback it receives; in the latter case Response waits for the
// callback or for ctx to be done.
func (in *Injector) Response(ctx context.Context, source string, request *Request, state *ImposterState, logger *util.Logger) (*Response, error) {
	if err := in.checkAllowed(source); err != nil {
		return nil, err
	}

	done := make(chan interface{}, 1)
	var returned interface{}
	err := state.With(func(values map[string]interface{}) error {
		c, err := in.compile(source, logger)
		if err != nil {
			return err
		}
		log := jsLogger(logger)
		req := requestObject(request)
		callback := func(call goja.FunctionCall) goja.Value {
			var value interface{}
			if len(call.Arguments) > 0 {
				value = call.Arguments[0].Export()
			}
			select {
			case done <- value:
			default:
			}
			return goja.Undefined()
		}
		config := map[string]interface{}{
			"request":  req,
			"state":    values,
			"logger":   log,
			"callback": callback,
		}

		var value goja.Value
		if c.arity >= 2 {
			value, err = c.fn(goja.Undefined(), c.vm.ToValue(req), c.vm.ToValue(values), c.vm.ToValue(log), c.vm.ToValue(callback))
		} else {
			value, err = c.fn(goja.Undefined(), c.vm.ToValue(config))
		}
		if err != nil {
			return err
		}
		if !util.IsUndefined(value) && !util.IsNull(value) {
			returned = value.Export()
		}
		return nil
	})
	if err != nil {
		logger.Errorf("injection error: %v; full source: %s", err, source)
		return nil, injectionError("invalid response injection", source, err)
	}

	if returned == nil {
		select {
		case returned = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	response, err := ResponseFromMap(returned)
	if err != nil {
		return nil, injectionError("invalid response injection", source, err)
	}
	return response, nil
}

// Decorate runs a decorate function over response. The function may mutate the
// response in place or return a replacement.
func (in *Injector) Decorate(source string, request *Request, response *Response, state *ImposterState, logger *util.Logger) (*Response, error) {
	if err := in.checkAllowed(source); err != nil {
		return nil, err
	}

	var decorated interface{}
	err := state.With(func(values map[string]interface{}) error {
		c, err := in.compile(source, logger)
		if err != nil {
			return err
		}
		log := jsLogger(logger)
		req := requestObject(request)
		resp := response.ToMap()
		config := map[string]interface{}{
			"request":  req,
			"response": resp,
			"state":    values,
			"logger":   log,
		}

		var value goja.Value
		if c.arity >= 2 {
			value, err = c.fn(goja.Undefined(), c.vm.ToValue(req), c.vm.ToValue(resp), c.vm.ToValue(log), c.vm.ToValue(values))
		} else {
			value, err = c.fn(goja.Undefined(), c.vm.ToValue(config))
		}
		if err != nil {
			return err
		}
		if !util.IsUndefined(value) && !util.IsNull(value) {
			decorated = value.Export()
		} else {
			decorated = resp
		}
		return nil
	})
	if err != nil {
		logger.Errorf("decorator error: %v; full source: %s", err, source)
		return nil, injectionError("invalid decorator injection", source, err)
	}

	result, err := ResponseFromMap(decorated)
	if err != nil {
		return nil, injectionError("invalid decorator injection", source, err)
	}
	result.recordMatch = response.recordMatch
	return result, nil
}

// Wait evaluates a wait function and returns the number of milliseconds to delay
func (in *Injector) Wait(source string, state *ImposterState, logger *util.Logger) (int, error) {
	if err := in.checkAllowed(source); err != nil {
		return 0, err
	}

	var ms int
	err := state.With(func(values map[string]interface{}) error {
		c, err := in.compile(source, logger)
		if err != nil {
			return err
		}
		value, err := c.fn(goja.Undefined())
		if err != nil {
			return err
		}
		ms = int(value.ToInteger())
		return nil
	})
	if err != nil {
		logger.Errorf("wait injection error: %v; full source: %s", err, source)
		return 0, injectionError("invalid wait injection", source, err)
	}
	return ms, nil
}

// GeneratePredicates runs a proxy predicate generator; the function receives a
// config object with the request and logger and returns a list of predicates
func (in *Injector) GeneratePredicates(source string, request *Request, state *ImposterState, logger *util.Logger) ([]Predicate, error) {
	if err := in.checkAllowed(source); err != nil {
		return nil, err
	}

	var exported interface{}
	err := state.With(func(values map[string]interface{}) error {
		c, err := in.compile(source, logger)
		if err != nil {
			return err
		}
		config := map[string]interface{}{
			"request": requestObject(request),
			"state":   values,
			"logger":  jsLogger(logger),
		}
		value, err := c.fn(goja.Undefined(), c.vm.ToValue(config))
		if err != nil {
			return err
		}
		exported = value.Export()
		return nil
	})
	if err != nil {
		logger.Errorf("predicate generator error: %v; full source: %s", err, source)
		return nil, injectionError("invalid predicateGenerator injection", source, err)
	}

	if !util.IsArray(exported) {
		exported = []interface{}{exported}
	}
	var predicates []Predicate
	if err := util.Roundtrip(exported, &predicates); err != nil {
		return nil, injectionError("invalid predicateGenerator injection", source, err)
	}
	return predicates, nil
}
