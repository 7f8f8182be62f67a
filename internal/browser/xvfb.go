package browser

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// xvfbReadyTimeout bounds the wait for the X socket to appear.
const xvfbReadyTimeout = 3 * time.Second

// startXvfb runs a virtual display for headful Chrome and waits until its
// socket exists, so Chrome does not race the server.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1600x1000x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start xvfb on %s: %w", display, err)
	}
	m.xvfb = cmd

	socket := "/tmp/.X11-unix/X" + strings.TrimPrefix(display, ":")
	deadline := time.Now().Add(xvfbReadyTimeout)
	for {
		if _, err := os.Stat(socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			m.cfg.Logger.Warn("browser: xvfb socket not seen, continuing", "socket", socket)
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	m.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if p := m.xvfb.Process; p != nil {
		p.Kill()
		m.xvfb.Wait()
	}
	m.xvfb = nil
	m.cfg.Logger.Info("browser: xvfb stopped", "display", m.cfg.XvfbDisplay)
}
