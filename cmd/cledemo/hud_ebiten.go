// hud_ebiten.go - a live visual monitor of the engine's ring cursors,
// resident overlay, HP state and syncpoint progress, redrawn every frame.
//
// Grounded on IntuitionEngine's video_backend_ebiten.go (Game interface
// shape, window setup, per-frame Draw) and debug_overlay.go (a monitor
// rendered as ordinary text rows rather than emulated pixels).
package main

import (
	"fmt"
	"image"
	"image/color"

	"github.com/hajimehoshi/ebiten/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/retro64dev/cle"
)

const (
	hudWidth   = 520
	hudHeight  = 220
	hudRowStep = 16
)

// EngineHUD is an ebiten.Game that renders Engine.Status() snapshots as
// text. It never touches the engine's command stream: it is a read-only
// observer, the demo analogue of a hardware logic analyzer.
type EngineHUD struct {
	engine *cle.Engine
	face   font.Face
	frame  *image.RGBA
}

// NewEngineHUD builds a HUD bound to e. Call Run to start the window.
func NewEngineHUD(e *cle.Engine) *EngineHUD {
	return &EngineHUD{
		engine: e,
		face:   basicfont.Face7x13,
		frame:  image.NewRGBA(image.Rect(0, 0, hudWidth, hudHeight)),
	}
}

// Run opens the window and blocks until it is closed. Intended to be
// called from its own goroutine, the way IntuitionEngine's EbitenOutput
// runs ebiten.RunGame in a goroutine and signals readiness separately.
func (h *EngineHUD) Run() error {
	ebiten.SetWindowSize(hudWidth, hudHeight)
	ebiten.SetWindowTitle("cle monitor")
	ebiten.SetWindowResizable(false)
	return ebiten.RunGame(h)
}

func (h *EngineHUD) Update() error {
	if ebiten.IsWindowBeingClosed() {
		return ebiten.Termination
	}
	return nil
}

func (h *EngineHUD) drawLine(row int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  h.frame,
		Src:  image.NewUniform(c),
		Face: h.face,
		Dot:  fixed.P(8, 16+row*hudRowStep),
	}
	d.DrawString(text)
}

func (h *EngineHUD) Draw(screen *ebiten.Image) {
	for i := range h.frame.Pix {
		h.frame.Pix[i] = 0
	}
	for i := 3; i < len(h.frame.Pix); i += 4 {
		h.frame.Pix[i] = 0xFF
	}

	st := h.engine.Status()
	fg := color.RGBA{0x30, 0xE0, 0x30, 0xFF}

	h.drawLine(0, "command-list engine monitor", color.White)
	h.drawLine(2, fmt.Sprintf("normal: buf=%d offset=%d", st.NormalBufIdx, st.NormalOffset), fg)
	h.drawLine(3, fmt.Sprintf("resident overlay: %d", st.ResidentID), fg)
	h.drawLine(4, fmt.Sprintf("syncpoint reached: %d", st.LastSyncpoint), fg)

	hpColor := fg
	hpState := "idle"
	if st.HPActive {
		hpColor = color.RGBA{0xE0, 0x30, 0x30, 0xFF}
		hpState = "active"
	}
	h.drawLine(6, fmt.Sprintf("hp lane: %s (buf=%d offset=%d)", hpState, st.HPBufIdx, st.HPOffset), hpColor)

	screen.WritePixels(h.frame.Pix)
}

func (h *EngineHUD) Layout(_, _ int) (int, int) {
	return hudWidth, hudHeight
}
