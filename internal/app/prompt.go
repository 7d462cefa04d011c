package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive asks for the settings a new peer folder needs. Empty
// answers keep the current value. An invalid result falls back to cfg.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	p := prompter{in: in, out: w}

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goopcall interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	next := cfg
	next.Identity.UserID = p.askString("User id", next.Identity.UserID)
	next.Identity.Username = p.askString("Display name", next.Identity.Username)
	next.Identity.Email = p.askString("Email (empty=none)", next.Identity.Email)
	next.Relay.URL = p.askString("Relay URL", next.Relay.URL)
	next.Viewer.HTTPAddr = p.askString("Local UI addr (empty=off)", next.Viewer.HTTPAddr)
	next.Call.RingTimeoutSec = p.askInt("Ring timeout seconds", next.Call.RingTimeoutSec)
	next.Call.VideoDisabled = p.askBool("Audio-only calls", next.Call.VideoDisabled)

	if err := next.ValidatePeer(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return cfg
	}
	return next
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p prompter) readLine() (string, bool) {
	s, err := p.in.ReadString('\n')
	if err != nil && s == "" {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func (p prompter) askString(label, def string) string {
	fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	s, _ := p.readLine()
	if s == "" {
		return def
	}
	return s
}

func (p prompter) askInt(label string, def int) int {
	for {
		fmt.Fprintf(p.out, "%s [%d]: ", label, def)
		s, ok := p.readLine()
		if s == "" || !ok {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Fprintln(p.out, "Please enter a number.")
	}
}

func (p prompter) askBool(label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(p.out, "%s [y/n] (default=%s): ", label, defStr)
		s, ok := p.readLine()
		s = strings.ToLower(s)
		if s == "" || !ok {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Fprintln(p.out, "Please enter y or n.")
		}
	}
}
