// Package gojahost runs execution contexts on the goja JavaScript engine.
//
// Each Sandbox owns one goja runtime and exposes a global "ports" object:
//
//	var p = ports.connect("ext-b", "greetings");
//	p.onMessage = function (data) { console.log("got", data); };
//	p.postMessage({hello: "world"});
//
//	ports.onConnect = function (ev) {
//	    var port = ev.accept();
//	    port.onMessage = function (data) { port.postMessage(data); };
//	};
//
// Messages are JSON values. A port with an onMessage or onDisconnect
// handler stays open until either side disconnects; a port without
// handlers is closed once the script drops it. A runtime is not
// goroutine-safe, so every call must come from the loop of the sandbox's
// process group.
package gojahost

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/dispatch"
	"github.com/baaaht/portmux/pkg/registry"
	"github.com/baaaht/portmux/pkg/script"
	"github.com/baaaht/portmux/pkg/types"
	"github.com/dop251/goja"
)

// Sandbox is a script.Sandbox backed by a goja runtime
type Sandbox struct {
	runtime *goja.Runtime
	ports   *goja.Object
	owner   types.OwnerID
	logger  *logger.Logger

	d  *dispatch.Dispatcher
	ec *registry.ExecutionContext
}

// New creates a sandbox for owner with the ports and console globals bound
func New(owner types.OwnerID, log *logger.Logger) (*Sandbox, error) {
	if owner == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "owner id is required")
	}

	s := &Sandbox{
		runtime: goja.New(),
		owner:   owner,
		logger:  logger.OrDefault(log).With("component", "sandbox", "owner_id", owner),
	}
	if err := s.bind(); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to bind sandbox globals", err)
	}
	return s, nil
}

// Attach registers the sandbox as an execution context of d
func (s *Sandbox) Attach(d *dispatch.Dispatcher, opts ...registry.ContextOption) (*registry.ExecutionContext, error) {
	if d == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "dispatcher cannot be nil")
	}
	if s.ec != nil {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "sandbox already attached")
	}

	ec, err := d.NewContext(s, opts...)
	if err != nil {
		return nil, err
	}
	s.d = d
	s.ec = ec
	return ec, nil
}

// Context returns the execution context, nil before Attach
func (s *Sandbox) Context() *registry.ExecutionContext {
	return s.ec
}

// Runtime returns the goja runtime
func (s *Sandbox) Runtime() *goja.Runtime {
	return s.runtime
}

// OwnerID implements script.Sandbox
func (s *Sandbox) OwnerID() types.OwnerID {
	return s.owner
}

// RunScript evaluates src. Uncaught exceptions are returned as errors.
func (s *Sandbox) RunScript(name, src string) error {
	if _, err := s.runtime.RunScript(name, src); err != nil {
		return types.WrapError(types.ErrCodeHandlerFailed, fmt.Sprintf("script %s failed", name), err)
	}
	return nil
}

// Dispatch implements script.Callback. Events without a handler are
// ignored.
func (s *Sandbox) Dispatch(event string, args ...any) (any, error) {
	switch event {
	case script.EventConnect:
		ev, ok := firstArg[*dispatch.ConnectEvent](args)
		if !ok {
			return nil, badArgs(event)
		}
		return s.call(s.ports, "onConnect", s.wrapConnect(ev))

	case script.EventMessage:
		ev, ok := firstArg[*dispatch.MessageEvent](args)
		if !ok {
			return nil, badArgs(event)
		}
		data, err := s.decode(ev.Message)
		if err != nil {
			s.logger.Warn("Dropped undecodable message", "local_id", ev.Port.LocalID(), "error", err)
			return nil, nil
		}
		obj := s.wrapPort(ev.Port)
		info := s.runtime.NewObject()
		_ = info.Set("userGesture", ev.Message.UserGesture)
		return s.call(obj, "onMessage", data, obj, info)

	case script.EventDisconnect:
		ev, ok := firstArg[*dispatch.DisconnectEvent](args)
		if !ok {
			return nil, badArgs(event)
		}
		obj := s.wrapPort(ev.Port)
		errVal := goja.Undefined()
		if ev.Error != "" {
			errVal = s.runtime.ToValue(ev.Error)
		}
		return s.call(obj, "onDisconnect", errVal, obj)

	case script.EventTeardown:
		return s.call(s.ports, "onTeardown")
	}
	return nil, nil
}

func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}

func badArgs(event string) error {
	return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unexpected arguments for %s", event))
}

// call invokes obj[name] if it is a function
func (s *Sandbox) call(obj *goja.Object, name string, args ...any) (any, error) {
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil, nil
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		if v, isVal := a.(goja.Value); isVal {
			vals[i] = v
		} else {
			vals[i] = s.runtime.ToValue(a)
		}
	}
	result, err := fn(obj, vals...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeHandlerFailed, fmt.Sprintf("%s handler failed", name), err)
	}
	if result == nil {
		return nil, nil
	}
	return result.Export(), nil
}

func (s *Sandbox) bind() error {
	s.ports = s.runtime.NewObject()
	if err := s.ports.Set("owner", string(s.owner)); err != nil {
		return err
	}
	if err := s.ports.Set("connect", s.connect); err != nil {
		return err
	}
	if err := s.runtime.Set("ports", s.ports); err != nil {
		return err
	}

	console := s.runtime.NewObject()
	if err := console.Set("log", s.consoleLog); err != nil {
		return err
	}
	return s.runtime.Set("console", console)
}

// connect implements ports.connect(targetOwner, channelName, options)
func (s *Sandbox) connect(call goja.FunctionCall) goja.Value {
	if s.ec == nil {
		panic(s.runtime.NewTypeError("sandbox is not attached"))
	}
	target := call.Argument(0).String()
	if goja.IsUndefined(call.Argument(0)) || target == "" {
		panic(s.runtime.NewTypeError("ports.connect requires a target owner"))
	}
	name := ""
	if !goja.IsUndefined(call.Argument(1)) {
		name = call.Argument(1).String()
	}

	h, err := s.d.OpenChannel(s.ec, types.ChannelOpenRequest{
		TargetOwnerID:     types.OwnerID(target),
		ChannelName:       name,
		Sender:            types.SenderInfo{OriginID: string(s.owner)},
		IncludeCredential: s.option(call.Argument(2), "includeCredential"),
	})
	if err != nil {
		panic(s.runtime.NewGoError(err))
	}
	return s.wrapPort(h)
}

func (s *Sandbox) wrapConnect(ev *dispatch.ConnectEvent) *goja.Object {
	obj := s.runtime.NewObject()
	_ = obj.Set("channelName", ev.ChannelName)
	_ = obj.Set("targetOwner", string(ev.TargetOwner))

	sender := s.runtime.NewObject()
	_ = sender.Set("originId", ev.Sender.OriginID)
	_ = sender.Set("url", ev.Sender.URL)
	_ = sender.Set("frameId", ev.Sender.FrameID)
	_ = sender.Set("tabId", ev.Sender.TabID)
	if ev.Sender.Credential != "" {
		_ = sender.Set("credential", ev.Sender.Credential)
	}
	_ = obj.Set("sender", sender)

	_ = obj.Set("accept", func(goja.FunctionCall) goja.Value {
		h, err := ev.Accept()
		if err != nil {
			panic(s.runtime.NewGoError(err))
		}
		return s.wrapPort(h)
	})
	return obj
}

// wrapPort returns the single script object of h, creating it on first use
func (s *Sandbox) wrapPort(h *dispatch.Handle) *goja.Object {
	if obj, ok := h.Value().(*goja.Object); ok {
		return obj
	}

	obj := s.runtime.NewObject()
	_ = obj.Set("id", int(h.LocalID()))
	_ = obj.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		msg, err := s.encode(call.Argument(0))
		if err != nil {
			panic(s.runtime.NewTypeError(fmt.Sprintf("message is not serializable: %v", err)))
		}
		msg.UserGesture = s.option(call.Argument(1), "userGesture")
		if err := h.PostMessage(msg); err != nil {
			panic(s.runtime.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = obj.Set("disconnect", func(call goja.FunctionCall) goja.Value {
		h.Close(call.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	s.defineListeners(obj, h, "onMessage", "onDisconnect")
	h.SetValue(obj)
	return obj
}

// defineListeners adds accessor properties for the port's event handlers.
// The port is held open while any of them is a function.
func (s *Sandbox) defineListeners(obj *goja.Object, h *dispatch.Handle, names ...string) {
	handlers := make(map[string]goja.Value, len(names))
	for _, name := range names {
		getter := s.runtime.ToValue(func(goja.FunctionCall) goja.Value {
			if v, ok := handlers[name]; ok {
				return v
			}
			return goja.Undefined()
		})
		setter := s.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			handlers[name] = call.Argument(0)
			listening := false
			for _, v := range handlers {
				if _, ok := goja.AssertFunction(v); ok {
					listening = true
				}
			}
			h.SetListening(listening)
			return goja.Undefined()
		})
		_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}
}

// option reads a boolean field of an optional options object
func (s *Sandbox) option(v goja.Value, name string) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	field := v.ToObject(s.runtime).Get(name)
	return field != nil && field.ToBoolean()
}

func (s *Sandbox) encode(v goja.Value) (types.Message, error) {
	var exported any
	if v != nil && !goja.IsUndefined(v) {
		exported = v.Export()
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return types.Message{}, err
	}
	return types.Message{Data: data}, nil
}

func (s *Sandbox) decode(msg types.Message) (goja.Value, error) {
	if len(msg.Data) == 0 {
		return goja.Undefined(), nil
	}
	var v any
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, err
	}
	return s.runtime.ToValue(v), nil
}

func (s *Sandbox) consoleLog(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, arg := range call.Arguments {
		parts[i] = arg.String()
	}
	s.logger.Info(strings.Join(parts, " "))
	return goja.Undefined()
}
