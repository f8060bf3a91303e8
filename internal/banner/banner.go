package banner

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

// Version is set at build time with -ldflags "-X agentlog/internal/banner.Version=..."
var Version = "0.1.0"

func Print() {
	logo, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithRGB("Agent", pterm.NewRGB(94, 129, 244)),
		putils.LettersFromStringWithRGB("Log", pterm.NewRGB(255, 255, 255))).
		Srender()

	pterm.DefaultCenter.Print(logo)

	pterm.DefaultCenter.Print(
		pterm.DefaultHeader.
			WithFullWidth().
			WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
			WithMargin(5).
			Sprint(pterm.White("AgentLog - Live logs and analytics for AI coding agents")),
	)

	pterm.Info.Println(
		"Tails agent session logs, normalizes them and watches for error patterns and anomalies." +
			"\nVersion " + Version + ".",
	)
}
