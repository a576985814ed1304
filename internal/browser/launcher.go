// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: browser-v5-early-crash-retry

// Package browser launches the controlled Chromium process against a cleaned
// profile and waits for its debugging endpoint. An early crash with a
// corruption signal purges the damaged profile subpaths and retries once.
package browser

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const browserRevision = "browser-v5-early-crash-retry"

func init() {
	log.Printf("[browser] REVISION: %s loaded", browserRevision)
}

const (
	readyDeadline    = 30 * time.Second
	readyPoll        = 200 * time.Millisecond
	earlyCrashWindow = 5 * time.Second
	stopGrace        = 2500 * time.Millisecond
	stopPoll         = 100 * time.Millisecond
)

// crashSignals are the child-exit signals treated as profile corruption when
// they arrive inside the early-crash window.
var crashSignals = map[syscall.Signal]bool{
	syscall.SIGTRAP: true,
	syscall.SIGABRT: true,
	syscall.SIGSEGV: true,
	syscall.SIGBUS:  true,
	syscall.SIGFPE:  true,
}

// corruptionPaths are the profile subpaths deleted when an early crash points
// at a damaged profile. Relative to the user-data directory.
var corruptionPaths = []string{
	"Default/Preferences",
	"Default/Cache",
	"Default/Code Cache",
	"Default/GPUCache",
	"Default/File System",
	"Default/IndexedDB",
	"ShaderCache",
	"GrShaderCache",
}

// executableCandidates in preference order. The first discoverable one wins.
var executableCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome-stable",
	"google-chrome",
}

// Config describes one browser launch.
type Config struct {
	ProfileName   string
	UserDataDir   string
	DisplayEnv    string // e.g. ":99"; set on the child env when non-empty
	CDPPort       int    // 0 allocates a free port
	Headless      bool
	NoSandbox     bool
	ProxyURL      string
	StealthMode   bool
	ExtensionDirs []string
	Width         int
	Height        int
}

// Status is the snapshot served by the supervisor API.
type Status struct {
	Running bool `json:"running"`
	PID     int  `json:"pid"`
	CDPPort int  `json:"cdpPort"`
	Tabs    int  `json:"tabs"`
	Stealth bool `json:"stealth"`
}

type exitResult struct {
	err       error
	signal    syscall.Signal
	signalled bool
}

// launchHandle is one spawned child. done closes after exit is populated.
type launchHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	exit exitResult
}

// Launcher owns at most one browser child. Start on a running launcher
// returns the current status without spawning.
type Launcher struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cdpPort int
	handle  *launchHandle

	// Overridable for tests; defaults exec the real browser and probe the
	// real debugging endpoint.
	lookPath  func(string) (string, error)
	spawn     func(argv, env []string) (*exec.Cmd, error)
	waitReady func(port int, deadline time.Duration) bool
	countTabs func(port int) int
}

// NewLauncher builds a launcher for cfg. Zero geometry falls back to
// 1280x720; an empty user-data dir falls back under os.TempDir.
func NewLauncher(cfg Config) *Launcher {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.UserDataDir == "" {
		cfg.UserDataDir = filepath.Join(os.TempDir(), "gateway-browser", cfg.ProfileName)
	}
	l := &Launcher{
		cfg:       cfg,
		lookPath:  exec.LookPath,
		waitReady: waitForCDPReady,
		countTabs: countCDPTabs,
	}
	l.spawn = spawnReal
	return l
}

// Start launches the browser and blocks until the debugging endpoint is
// ready. Starting an already-running launcher returns the same handle's
// status. One early crash with a corruption signal triggers a profile purge
// and a single retry; a second is fatal.
func (l *Launcher) Start() (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return l.statusLocked(), nil
	}

	bin, err := l.findExecutable()
	if err != nil {
		return Status{}, err
	}

	port := l.cfg.CDPPort
	if port == 0 {
		port, err = freePort()
		if err != nil {
			return Status{}, err
		}
	}

	if err := l.prepareProfile(); err != nil {
		return Status{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		h, err := l.launch(bin, port)
		if err != nil {
			return Status{}, err
		}
		started := time.Now()

		ready := make(chan bool, 1)
		go func() { ready <- l.waitReady(port, readyDeadline) }()

		select {
		case <-h.done:
			elapsed := time.Since(started)
			if attempt == 0 && elapsed <= earlyCrashWindow && h.exit.signalled && crashSignals[h.exit.signal] {
				log.Printf("[browser] early crash (signal %v after %s), purging profile and retrying", h.exit.signal, elapsed.Round(time.Millisecond))
				l.purgeCorruptedProfile()
				if err := l.prepareProfile(); err != nil {
					return Status{}, err
				}
				continue
			}
			return Status{}, fmt.Errorf("browser exited before ready: %v", h.exit.err)
		case ok := <-ready:
			if !ok {
				l.killLocked(h)
				return Status{}, fmt.Errorf("debugging endpoint on port %d not ready within %s", port, readyDeadline)
			}
			l.handle = h
			l.cdpPort = port
			l.running = true
			go l.watchExit(h)
			log.Printf("[browser] started pid=%d cdpPort=%d profile=%s", h.cmd.Process.Pid, port, l.cfg.ProfileName)
			return l.statusLocked(), nil
		}
	}
	return Status{}, fmt.Errorf("browser crashed twice during startup, giving up")
}

// Stop SIGTERMs the child, waits up to the grace period, then SIGKILLs.
// Stopping a stopped launcher is a no-op.
func (l *Launcher) Stop() {
	l.mu.Lock()
	h := l.handle
	l.handle = nil
	l.running = false
	l.mu.Unlock()

	if h == nil {
		return
	}
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-h.done:
	case <-time.After(stopGrace):
		log.Printf("[browser] did not exit within %s after SIGTERM, killing", stopGrace)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.done
	}
	log.Printf("[browser] stopped")
}

// Restart is Stop followed by Start.
func (l *Launcher) Restart() (Status, error) {
	l.Stop()
	return l.Start()
}

// Status returns a snapshot. The tab count is polled from the debugging
// endpoint while running.
func (l *Launcher) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Launcher) statusLocked() Status {
	st := Status{
		Running: l.running,
		CDPPort: l.cdpPort,
		Stealth: l.cfg.StealthMode,
	}
	if l.handle != nil && l.handle.cmd.Process != nil {
		st.PID = l.handle.cmd.Process.Pid
	}
	if l.running {
		st.Tabs = l.countTabs(l.cdpPort)
	}
	return st
}

// CDPPort reports the debugging port while running, 0 otherwise.
func (l *Launcher) CDPPort() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return 0
	}
	return l.cdpPort
}

func (l *Launcher) findExecutable() (string, error) {
	for _, name := range executableCandidates {
		if path, err := l.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no browser executable found (tried %s)", strings.Join(executableCandidates, ", "))
}

// launch spawns one child and arms its exit watcher.
func (l *Launcher) launch(bin string, port int) (*launchHandle, error) {
	argv := append([]string{bin}, l.composeArgs(port)...)
	env := os.Environ()
	if l.cfg.DisplayEnv != "" && os.Getenv("DISPLAY") == "" {
		env = append(env, "DISPLAY="+l.cfg.DisplayEnv)
	}

	cmd, err := l.spawn(argv, env)
	if err != nil {
		return nil, fmt.Errorf("spawn browser: %w", err)
	}
	h := &launchHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.exit = exitResult{err: err}
		if state := cmd.ProcessState; state != nil {
			if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				h.exit.signal = ws.Signal()
				h.exit.signalled = true
			}
		}
		close(h.done)
	}()
	return h, nil
}

// watchExit flips running off when the child dies underneath us. Stop clears
// l.handle first, so a stopped child never logs as unexpected.
func (l *Launcher) watchExit(h *launchHandle) {
	<-h.done
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle != h {
		return
	}
	l.handle = nil
	l.running = false
	log.Printf("[browser] exited unexpectedly: %v", h.exit.err)
}

func (l *Launcher) killLocked(h *launchHandle) {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
}

// prepareProfile cleans the user-data directory for a fresh launch: stale
// singleton files removed, crash reports purged, crash-restore state reset,
// and the profile bootstrapped and decorated if it never was.
func (l *Launcher) prepareProfile() error {
	dir := l.cfg.UserDataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user-data dir: %w", err)
	}

	// Singleton files persist across container restarts and make Chromium
	// refuse to start with "profile in use".
	for _, name := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		_ = os.Remove(filepath.Join(dir, name))
	}
	purgeCrashReports(dir)

	if err := bootstrapProfile(dir); err != nil {
		return err
	}
	decorateProfile(dir, l.cfg.ProfileName)
	cleanCrashState(dir)
	return nil
}

func (l *Launcher) purgeCorruptedProfile() {
	for _, rel := range corruptionPaths {
		_ = os.RemoveAll(filepath.Join(l.cfg.UserDataDir, filepath.FromSlash(rel)))
	}
	purgeCrashReports(l.cfg.UserDataDir)
}

// composeArgs builds the argv tail after the executable.
func (l *Launcher) composeArgs(port int) []string {
	args := []string{
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-renderer-backgrounding",
		"--disable-sync",
		"--disable-component-update",
		"--noerrdialogs",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--disable-infobars",
		"--autoplay-policy=no-user-gesture-required",
		"--remote-debugging-address=127.0.0.1",
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + l.cfg.UserDataDir,
		fmt.Sprintf("--window-size=%d,%d", l.cfg.Width, l.cfg.Height),
	}
	if l.cfg.NoSandbox {
		args = append(args, "--no-sandbox")
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new", "--hide-scrollbars", "--mute-audio")
	} else {
		args = append(args, "--disable-gpu")
	}
	if l.cfg.StealthMode {
		args = append(args,
			"--disable-blink-features=AutomationControlled",
			"--disable-features=TranslateUI",
		)
	}
	if l.cfg.ProxyURL != "" {
		args = append(args, "--proxy-server="+l.cfg.ProxyURL)
	}
	if len(l.cfg.ExtensionDirs) > 0 {
		joined := strings.Join(l.cfg.ExtensionDirs, ",")
		args = append(args, "--load-extension="+joined, "--disable-extensions-except="+joined)
	}
	switch runtime.GOOS {
	case "linux":
		args = append(args, "--disable-dev-shm-usage")
	case "darwin":
		args = append(args, "--use-mock-keychain", "--password-store=basic")
	}
	return append(args, "about:blank")
}

func spawnReal(argv, env []string) (*exec.Cmd, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForCDPReady polls /json/version until it answers, then confirms the
// advertised WebSocket debugger URL accepts a handshake. Only both together
// count as ready: the HTTP endpoint comes up before the DevTools socket does.
func waitForCDPReady(port int, deadline time.Duration) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		wsURL, ok := fetchDebuggerURL(client, port)
		if ok && wsURL != "" {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err == nil {
				_ = conn.Close()
				return true
			}
		}
		time.Sleep(readyPoll)
	}
	return false
}

func fetchDebuggerURL(client *http.Client, port int) (string, bool) {
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/json/version", port))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", false
	}
	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", false
	}
	return payload.WebSocketDebuggerURL, true
}

// countCDPTabs counts "page" targets via /json/list. Best-effort: 0 on any
// failure.
func countCDPTabs(port int) int {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/json/list", port))
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	var targets []struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return 0
	}
	n := 0
	for _, t := range targets {
		if t.Type == "page" {
			n++
		}
	}
	return n
}

func purgeCrashReports(userDataDir string) {
	for _, rel := range []string{"Crash Reports", filepath.Join("Crashpad", "pending"), filepath.Join("Crashpad", "completed")} {
		_ = os.RemoveAll(filepath.Join(userDataDir, rel))
	}
}

// bootstrapProfile makes sure Default/Preferences exists so decoration and
// crash-state cleanup have a file to edit. A real first run of the browser
// would create it; an empty skeleton works the same for our keys.
func bootstrapProfile(userDataDir string) error {
	prefsPath := filepath.Join(userDataDir, "Default", "Preferences")
	if _, err := os.Stat(prefsPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(prefsPath), 0o755); err != nil {
		return fmt.Errorf("bootstrap profile: %w", err)
	}
	skeleton := []byte(`{"profile":{}}`)
	if err := os.WriteFile(prefsPath, skeleton, 0o644); err != nil {
		return fmt.Errorf("bootstrap profile: %w", err)
	}
	return nil
}

// decorateProfile sets the profile's display name and avatar color once.
// A profile that already carries a name is left alone.
func decorateProfile(userDataDir, profileName string) {
	if profileName == "" {
		return
	}
	prefsPath := filepath.Join(userDataDir, "Default", "Preferences")
	prefs, perm, ok := readPrefs(prefsPath)
	if !ok {
		return
	}
	profile, _ := prefs["profile"].(map[string]any)
	if profile == nil {
		profile = make(map[string]any)
		prefs["profile"] = profile
	}
	if name, _ := profile["name"].(string); name != "" {
		return
	}
	profile["name"] = profileName
	profile["avatar_index"] = avatarIndexFor(profileName)
	writePrefsAtomic(prefsPath, prefs, perm)
}

// avatarIndexFor maps a profile name onto one of Chromium's 26 stock avatars.
func avatarIndexFor(name string) int {
	h := 0
	for _, r := range name {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h % 26
}

// cleanCrashState marks the previous session as a clean exit so no "Restore
// pages?" bubble appears. Safe before launch: no concurrent writer exists.
func cleanCrashState(userDataDir string) {
	prefsPath := filepath.Join(userDataDir, "Default", "Preferences")
	prefs, perm, ok := readPrefs(prefsPath)
	if !ok {
		return
	}
	profile, _ := prefs["profile"].(map[string]any)
	if profile == nil {
		profile = make(map[string]any)
		prefs["profile"] = profile
	}
	profile["exit_type"] = "Normal"
	profile["exited_cleanly"] = true
	writePrefsAtomic(prefsPath, prefs, perm)
}

func readPrefs(path string) (map[string]any, os.FileMode, bool) {
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perm, false
	}
	var prefs map[string]any
	if err := json.Unmarshal(data, &prefs); err != nil {
		log.Printf("[browser] failed to parse %s: %v", path, err)
		return nil, perm, false
	}
	return prefs, perm, true
}

// writePrefsAtomic writes via temp file + rename so a crash mid-write cannot
// leave a truncated Preferences behind.
func writePrefsAtomic(path string, prefs map[string]any, perm os.FileMode) {
	data, err := json.Marshal(prefs)
	if err != nil {
		log.Printf("[browser] failed to marshal prefs: %v", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		log.Printf("[browser] failed to write %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Printf("[browser] failed to rename %s: %v", tmp, err)
	}
}
