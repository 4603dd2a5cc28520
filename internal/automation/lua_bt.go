//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"bluez-go-home/internal/device"
	"bluez-go-home/internal/store"
)

const (
	maxHandlersPerScript = 100

	// callTimeout bounds pair/trust/forget calls made from scripts.
	callTimeout = 30 * time.Second
)

// registerBTModule registers the `bt` global table in a Lua state.
func registerBTModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return btOn(L, vm) },
		"pair":         func(L *lua.LState) int { return btCall(L, e, "pair") },
		"trust":        func(L *lua.LState) int { return btCall(L, e, "trust") },
		"forget":       func(L *lua.LState) int { return btCall(L, e, "forget") },
		"scan":         func(L *lua.LState) int { return btScan(L, e) },
		"devices":      func(L *lua.LState) int { return btDevices(L, e) },
		"device":       func(L *lua.LState) int { return btDevice(L, e) },
		"service_name": func(L *lua.LState) int { return btServiceName(L, e) },
		"after":        func(L *lua.LState) int { return btAfter(L, vm, e) },
		"log":          func(L *lua.LState) int { return btLog(L, vm, e) },
		"time_between": btTimeBetween,
		"clock":        btClock,
	}

	mod := L.NewTable()
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("bt", mod)
}

// bt.on(type, filter, callback)
// filter may hold "address" and "property".
func btOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filter := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	if v := filter.RawGetString("address"); v != lua.LNil {
		addr := v.String()
		if c, err := device.CanonicalAddress(addr); err == nil {
			addr = c
		}
		h.address = addr
	}
	if v := filter.RawGetString("property"); v != lua.LNil {
		h.property = v.String()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// bt.pair/trust/forget(target) -> ok, err
func btCall(L *lua.LState, e *Engine, action string) int {
	target := L.CheckString(1)
	dev, ok := resolveDevice(e, target)
	if !ok {
		e.logger.Warn("device not found", "target", target)
		L.Push(lua.LFalse)
		L.Push(lua.LString("device not found"))
		return 2
	}

	ctx, cancel := context.WithTimeout(e.coord.Context(), callTimeout)
	defer cancel()

	var err error
	switch action {
	case "pair":
		err = e.coord.PairPath(ctx, dev.Path, store.TriggerAuto)
	case "trust":
		err = e.coord.TrustPath(ctx, dev.Path, store.TriggerAuto)
	case "forget":
		err = e.coord.ForgetPath(ctx, dev.Path, store.TriggerAuto)
	}
	if err != nil {
		e.logger.Error("script "+action, "target", target, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// bt.scan(on) -> ok
func btScan(L *lua.LState, e *Engine) int {
	on := L.CheckBool(1)
	ctx, cancel := context.WithTimeout(e.coord.Context(), callTimeout)
	defer cancel()
	if err := e.coord.SetDiscovery(ctx, on); err != nil {
		e.logger.Error("script scan", "on", on, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// bt.devices() -> array of device tables in registry order
func btDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, d := range e.coord.Registry().All() {
		tbl.RawSetInt(i+1, deviceTable(L, e, d))
	}
	L.Push(tbl)
	return 1
}

// bt.device(target) -> device table or nil
func btDevice(L *lua.LState, e *Engine) int {
	dev, ok := resolveDevice(e, L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(deviceTable(L, e, dev))
	return 1
}

// bt.service_name(uuid) -> profile name, or the uuid itself
func btServiceName(L *lua.LState, e *Engine) int {
	L.Push(lua.LString(e.coord.DeviceDB().ServiceName(L.CheckString(1))))
	return 1
}

// bt.after(seconds, callback)
func btAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// bt.log(msg) or bt.log(level, msg)
func btLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level, msg := "info", L.CheckString(1)
	if L.GetTop() >= 2 {
		level, msg = msg, L.CheckString(2)
	}

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	if vm.logf != nil {
		if level != "info" {
			msg = "[" + level + "] " + msg
		}
		vm.logf(msg)
	}
	return 0
}

// bt.time_between(from_hour, to_hour) -> whether the current hour is in
// [from, to), wrapping past midnight when from > to.
func btTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// bt.clock(component) -> part of the current local time
func btClock(L *lua.LState) int {
	now := time.Now()
	switch c := L.CheckString(1); c {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+c)
		return 0
	}
	return 1
}

// deviceTable converts a record into the table scripts see.
func deviceTable(L *lua.LState, e *Engine, d device.Device) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("path", lua.LString(d.Path))
	t.RawSetString("address", lua.LString(d.Address))
	t.RawSetString("name", lua.LString(e.coord.DeviceDB().FriendlyName(d)))
	t.RawSetString("alias", lua.LString(d.Alias))
	t.RawSetString("icon", lua.LString(d.Icon))
	t.RawSetString("paired", lua.LBool(d.Paired))
	t.RawSetString("trusted", lua.LBool(d.Trusted))
	t.RawSetString("connected", lua.LBool(d.Connected))
	if d.RSSI != nil {
		t.RawSetString("rssi", lua.LNumber(*d.RSSI))
	}
	services := L.NewTable()
	for i, u := range d.ServiceUUIDs {
		services.RawSetInt(i+1, lua.LString(u))
	}
	t.RawSetString("services", services)
	return t
}

// resolveDevice finds a device by address, object path or friendly name.
func resolveDevice(e *Engine, target string) (device.Device, bool) {
	reg := e.coord.Registry()
	if strings.HasPrefix(target, "/") {
		return reg.GetByPath(target)
	}

	if addr, err := device.CanonicalAddress(target); err == nil {
		for _, d := range reg.All() {
			if d.Address == addr {
				return d, true
			}
		}
		return device.Device{}, false
	}

	db := e.coord.DeviceDB()
	for _, d := range reg.All() {
		if strings.EqualFold(db.FriendlyName(d), target) {
			return d, true
		}
	}
	return device.Device{}, false
}
