// script.go - a Lua console for interactively authoring command
// sequences against a running Engine. No teacher precedent: gopher-lua
// sits unused in IntuitionEngine's own source, so this binding is
// authored fresh around the library's ordinary L.SetGlobal/LGFunction
// idiom rather than adapted from an existing file.
package main

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/retro64dev/cle"
)

// LuaConsole exposes Begin/End/BlockBegin/BlockRun/Syncpoint and friends
// as Lua-callable globals bound to a single Engine.
type LuaConsole struct {
	engine *cle.Engine
	state  *lua.LState
}

// NewLuaConsole creates a console bound to e. Close must be called when
// done to release the interpreter.
func NewLuaConsole(e *cle.Engine) *LuaConsole {
	c := &LuaConsole{engine: e, state: lua.NewState()}
	c.registerGlobals()
	return c
}

// Close releases the Lua interpreter.
func (c *LuaConsole) Close() { c.state.Close() }

// RunString executes src as a Lua chunk against this console's globals.
func (c *LuaConsole) RunString(src string) error {
	return c.state.DoString(src)
}

// RunFile executes the Lua script at path.
func (c *LuaConsole) RunFile(path string) error {
	return c.state.DoFile(path)
}

func (c *LuaConsole) registerGlobals() {
	L := c.state
	reg := func(name string, fn lua.LGFunction) {
		L.SetGlobal(name, L.NewFunction(fn))
	}

	reg("overlay_cmd", c.luaOverlayCmd)
	reg("flush", c.luaFlush)
	reg("sync", c.luaSync)
	reg("syncpoint", c.luaSyncpoint)
	reg("wait_syncpoint", c.luaWaitSyncpoint)
	reg("signal", c.luaSignal)
	reg("hp_begin", c.luaHPBegin)
	reg("hp_end", c.luaHPEnd)
	reg("block_begin", c.luaBlockBegin)
	reg("block_end", c.luaBlockEnd)
	reg("block_run", c.luaBlockRun)
	reg("block_free", c.luaBlockFree)
}

// overlay_cmd(overlay_id, command_id, byte...) emits a single overlay
// command carrying the given payload bytes.
func (c *LuaConsole) luaOverlayCmd(L *lua.LState) int {
	ovID := byte(L.CheckInt(1))
	cmdID := byte(L.CheckInt(2))

	n := L.GetTop()
	payload := make([]byte, 1+n-2)
	payload[0] = (ovID << 4) | cmdID
	for i := 3; i <= n; i++ {
		payload[i-2] = byte(L.CheckInt(i))
	}

	buf, err := c.engine.Begin(uint32(len(payload)))
	if err != nil {
		L.RaiseError("begin: %v", err)
		return 0
	}
	copy(buf, payload)
	if err := c.engine.End(); err != nil {
		L.RaiseError("end: %v", err)
		return 0
	}
	return 0
}

func (c *LuaConsole) luaFlush(L *lua.LState) int {
	if err := c.engine.Flush(); err != nil {
		L.RaiseError("flush: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaSync(L *lua.LState) int {
	if err := c.engine.Sync(); err != nil {
		L.RaiseError("sync: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaSyncpoint(L *lua.LState) int {
	id, err := c.engine.Syncpoint()
	if err != nil {
		L.RaiseError("syncpoint: %v", err)
		return 0
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (c *LuaConsole) luaWaitSyncpoint(L *lua.LState) int {
	id := uint32(L.CheckInt(1))
	if err := c.engine.WaitSyncpoint(id); err != nil {
		L.RaiseError("wait_syncpoint: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaSignal(L *lua.LState) int {
	mask := byte(L.CheckInt(1))
	if err := c.engine.Signal(mask); err != nil {
		L.RaiseError("signal: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaHPBegin(L *lua.LState) int {
	if err := c.engine.HPBegin(); err != nil {
		L.RaiseError("hp_begin: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaHPEnd(L *lua.LState) int {
	if err := c.engine.HPEnd(); err != nil {
		L.RaiseError("hp_end: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaBlockBegin(L *lua.LState) int {
	if err := c.engine.BlockBegin(); err != nil {
		L.RaiseError("block_begin: %v", err)
	}
	return 0
}

// block_end() returns an opaque userdata handle wrapping the recorded
// *cle.Block, for later use with block_run/block_free.
func (c *LuaConsole) luaBlockEnd(L *lua.LState) int {
	blk, err := c.engine.BlockEnd()
	if err != nil {
		L.RaiseError("block_end: %v", err)
		return 0
	}
	ud := L.NewUserData()
	ud.Value = blk
	L.Push(ud)
	return 1
}

func (c *LuaConsole) checkBlock(L *lua.LState, idx int) *cle.Block {
	ud := L.CheckUserData(idx)
	blk, ok := ud.Value.(*cle.Block)
	if !ok {
		L.ArgError(idx, "expected a block handle")
		return nil
	}
	return blk
}

func (c *LuaConsole) luaBlockRun(L *lua.LState) int {
	blk := c.checkBlock(L, 1)
	if blk == nil {
		return 0
	}
	if err := c.engine.BlockRun(blk); err != nil {
		L.RaiseError("block_run: %v", err)
	}
	return 0
}

func (c *LuaConsole) luaBlockFree(L *lua.LState) int {
	blk := c.checkBlock(L, 1)
	if blk == nil {
		return 0
	}
	c.engine.BlockFree(blk)
	return 0
}

// luaConsolePrompt runs one line of Lua against c, reporting any error
// without requiring the caller (monitor.go's "lua" command) to import the
// lua package itself.
func luaConsolePrompt(c *LuaConsole, src string) {
	if err := c.RunString(src); err != nil {
		fmt.Printf("script error: %v\n", err)
	}
}
