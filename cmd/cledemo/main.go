// main.go - demo entry point wiring an Engine to its collaborator
// overlays and front ends.
//
// Grounded on IntuitionEngine's main.go construction order: system bus,
// then peripherals, then frontend, then start - generalized here to
// engine, then overlay, then whichever front ends the flags ask for.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/retro64dev/cle"
)

// mixerOverlayID is the overlay id the demo registers its audio-mixer
// collaborator under; monitor.go's "mix" command targets it directly.
const mixerOverlayID = 1

func banner() {
	fmt.Println("cle demo - a command-list engine with a live mixer, HUD and console")
}

func main() {
	var (
		hud        = flag.Bool("hud", false, "open the ebiten status monitor")
		monitorOn  = flag.Bool("monitor", true, "run the interactive terminal monitor")
		scriptPath = flag.String("script", "", "run a Lua script against the engine and exit")
		sampleRate = flag.Int("samplerate", 44100, "audio mixer sample rate")
	)
	flag.Parse()
	banner()

	e := cle.New(cle.Config{})
	defer e.Close()

	mixer, err := NewAudioMixerOverlay(*sampleRate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audio mixer: %v\n", err)
		os.Exit(1)
	}
	defer mixer.Close()

	if err := e.RegisterOverlay(mixerOverlayID, nil, make([]byte, 8), mixer.Handler); err != nil {
		fmt.Fprintf(os.Stderr, "register mixer overlay: %v\n", err)
		os.Exit(1)
	}
	mixer.Start()

	if *scriptPath != "" {
		console := NewLuaConsole(e)
		defer console.Close()
		if err := console.RunFile(*scriptPath); err != nil {
			fmt.Fprintf(os.Stderr, "script: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *hud {
		go func() {
			if err := NewEngineHUD(e).Run(); err != nil {
				fmt.Fprintf(os.Stderr, "hud: %v\n", err)
			}
		}()
	}

	if *monitorOn {
		mon := NewMonitor(e)
		mon.Start()
		<-mon.done
	}
}
