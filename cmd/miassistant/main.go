// Command miassistant sideloads a recovery ROM to a device in Mi
// Assistant mode over USB, the way the vendor's own desktop tool does,
// without the vendor tool's telemetry or bundled drivers.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"miassistant/internal/config"
	"miassistant/internal/download"
	"miassistant/internal/flash"
	"miassistant/internal/hostguard"
	"miassistant/internal/mi"
	"miassistant/internal/sideload"
	"miassistant/internal/ui"
	"miassistant/internal/validate"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]

	cfg, _ := config.LoadDeviceConfig()

	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	deviceIndex := fs.Int("device_index", cfg.DeviceIndex, "device index among matching Mi Assistant interfaces")
	chunkSize := fs.Int("chunk_size", cfg.ChunkSize, "chunk size for sideload transfer, in bytes")
	serverURL := fs.String("server_url", cfg.ServerURL, "validation server URL")
	allowHTTP := fs.Bool("http", false, "allow a non-HTTPS server URL")
	debugUSB := fs.Bool("debug_usb", false, "log raw USB packet directions and sizes")
	killAdbServer := fs.Bool("kill_adb_server", false, "kill a local adb server on 127.0.0.1:5037 before connecting")
	noAutoKill := fs.Bool("no_auto_kill", false, "do not auto-kill adb server and retry once on handshake failure")
	killAdbAfter := fs.Bool("kill_adb_after", false, "kill local adb server after the command completes")
	allowAdb := fs.Bool("allow_adb", false, "allow a local adb server to keep running (may cause handshake instability)")
	verbose := fs.Int("verbose", 0, "verbosity (0=normal, 1=verbose, 2+=debug)")
	dumpJSON := fs.Bool("dump_json", false, "print the raw decrypted validation JSON")
	noUI := fs.Bool("no_ui", false, "disable the interactive progress screen and print plain progress lines")

	overrideDevice := fs.String("override_device", "", "override the device field sent to validation")
	overrideVersion := fs.String("override_version", "", "override the version field sent to validation")
	overrideSN := fs.String("override_sn", "", "override the serial number field sent to validation")
	overrideCodebase := fs.String("override_codebase", "", "override the codebase field sent to validation")
	overrideBranch := fs.String("override_branch", "", "override the branch field sent to validation")
	overrideRomzone := fs.String("override_romzone", "", "override the romzone field sent to validation")
	profile := fs.String("profile", "", "apply a region profile: global, eea, in, ru, id, tr, tw, cn")
	codename := fs.String("codename", "", "codename to use when building a profile's device name")
	md5Flag := fs.String("md5", "", "override the MD5 used for validation (bypasses file hashing)")

	var yes bool
	var token string
	var outputDir string
	switch sub {
	case "flash":
		fs.BoolVar(&yes, "yes", false, "skip the data-erase confirmation prompt")
		fs.StringVar(&token, "token", "", "supply a validate token manually, skipping server validation")
	case "flash-from-latest":
		fs.BoolVar(&yes, "yes", false, "skip the data-erase confirmation prompt")
		fs.StringVar(&outputDir, "output_dir", "", "directory to save the downloaded ROM into (default: current directory)")
	case "download-latest":
		fs.StringVar(&outputDir, "output_dir", "", "directory to save the downloaded ROM into (default: current directory)")
	}

	fs.Parse(os.Args[2:])
	args := fs.Args()

	if !strings.HasPrefix(*serverURL, "https://") && !*allowHTTP {
		fatalf("refusing to use non-HTTPS server without --http: %s", *serverURL)
	}
	if *allowHTTP && strings.HasPrefix(*serverURL, "http://") {
		fmt.Fprintf(os.Stderr, "WARNING: using HTTP for validation endpoint: %s\n", *serverURL)
	}

	state := config.LoadState()

	switch sub {
	case "set-hash":
		runSetHash(args, state)
		return
	case "clear-hash":
		runClearHash(state)
		return
	}

	var blockGuard interface{ Close() error }
	if !*allowAdb {
		_ = hostguard.KillServer(500 * time.Millisecond)
		hostguard.KillProcesses()
		if l := hostguard.BlockPort(); l != nil {
			blockGuard = l
		}
	} else if !*killAdbServer && hostguard.IsRunning(200*time.Millisecond) {
		fmt.Fprintln(os.Stderr, "Note: an adb server appears to be running on 127.0.0.1:5037; it may hold the USB interface. Pass --kill_adb_server to stop it, or omit --allow_adb.")
	}
	if *killAdbServer {
		if err := hostguard.KillServer(2 * time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to kill adb server: %v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, "adb server killed (port 5037)")
		}
	}
	if blockGuard != nil {
		defer blockGuard.Close()
	}

	openClient := func() (*flash.Client, error) {
		return flash.Open(*deviceIndex, *debugUSB)
	}

	client, err := openClient()
	if err != nil {
		if *noAutoKill {
			fatalf("%v", err)
		}
		fmt.Fprintln(os.Stderr, "Handshake failed. Attempting to kill adb server and retry once...")
		_ = hostguard.KillServer(500 * time.Millisecond)
		time.Sleep(300 * time.Millisecond)
		if blockGuard == nil {
			if l := hostguard.BlockPort(); l != nil {
				blockGuard = l
				defer blockGuard.Close()
			}
		}
		client, err = openClient()
		if err != nil {
			fatalf("%v", err)
		}
	}
	defer client.Close()

	if *killAdbAfter {
		defer func() {
			_ = hostguard.KillServer(500 * time.Millisecond)
		}()
	}

	info, err := client.ReadInfo()
	if err != nil {
		fatalf("fetching device info: %v", err)
	}
	info = applyProfileAndOverrides(info, *profile, *codename, overrideFields{
		device: *overrideDevice, version: *overrideVersion, sn: *overrideSN,
		codebase: *overrideCodebase, branch: *overrideBranch, romzone: *overrideRomzone,
	})

	switch sub {
	case "read-info":
		runReadInfo(info)
	case "list-allowed":
		runListAllowed(*serverURL, info, *dumpJSON)
	case "flash":
		if len(args) < 1 {
			fatalf("flash: a ROM zip path is required")
		}
		runFlash(client, args[0], info, flashFlags{
			chunkSize: *chunkSize, serverURL: *serverURL, yes: yes, token: token,
			md5: *md5Flag, verbose: *verbose, dumpJSON: *dumpJSON, noUI: *noUI,
		}, state)
	case "format-data":
		if err := client.FormatData(); err != nil {
			fatalf("%v", err)
		}
	case "reboot":
		if err := client.Reboot(); err != nil {
			fatalf("%v", err)
		}
	case "download-latest":
		runDownloadLatest(*serverURL, info, outputDir, *noUI)
	case "flash-from-latest":
		runFlashFromLatest(client, *serverURL, info, outputDir, *chunkSize, yes, *noUI)
	default:
		usage()
		os.Exit(2)
	}
}

type overrideFields struct {
	device, version, sn, codebase, branch, romzone string
}

func applyProfileAndOverrides(info mi.Info, profile, codename string, ov overrideFields) mi.Info {
	if profile != "" {
		if rp, ok := mi.ParseRegionProfile(profile); ok {
			info = mi.ApplyProfile(info, rp, codename, true)
			fmt.Fprintf(os.Stderr, "Applied profile: %s\n", profile)
		}
	}
	return flash.ApplyOverrides(info, flash.Overrides{
		Device:   nonEmpty(ov.device),
		Version:  nonEmpty(ov.version),
		SN:       nonEmpty(ov.sn),
		Codebase: nonEmpty(ov.codebase),
		Branch:   nonEmpty(ov.branch),
		RomZone:  nonEmpty(ov.romzone),
	})
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func runReadInfo(info mi.Info) {
	fmt.Println(info.Device)
	fmt.Println(info.Version)
	fmt.Println(info.SN)
	fmt.Println(info.Codebase)
	fmt.Println(info.Branch)
	fmt.Println(info.Language)
	fmt.Println(info.Region)
	fmt.Println(info.RomZone)
}

func runListAllowed(serverURL string, info mi.Info, dumpJSON bool) {
	res, err := flash.ListAllowedRoms(serverURL, info)
	if err != nil {
		fatalf("%v", err)
	}
	validate.PrintAllowed(os.Stdout, res, dumpJSON)
}

type flashFlags struct {
	chunkSize int
	serverURL string
	yes       bool
	token     string
	md5       string
	verbose   int
	dumpJSON  bool
	noUI      bool
}

func runFlash(client *flash.Client, path string, info mi.Info, f flashFlags, state config.State) {
	if _, err := os.Stat(path); err != nil {
		fatalf("ROM not found: %s", path)
	}

	computedMD5, err := flash.MD5File(path)
	if err != nil {
		fatalf("computing MD5 of %s: %v", path, err)
	}
	usedMD5, err := flash.ResolveMD5(path, f.md5, state)
	if err != nil {
		fatalf("%v", err)
	}
	if usedMD5 != computedMD5 {
		fmt.Fprintf(os.Stderr, "WARNING: using overridden MD5 %s (computed %s)\n", usedMD5, computedMD5)
	} else if f.verbose > 0 {
		fmt.Fprintf(os.Stderr, "Using MD5 %s\n", usedMD5)
	}

	reqJSON := validate.BuildRequestJSON(info, usedMD5)
	if f.dumpJSON {
		if q, err := validate.EncodeRequestBase64(reqJSON); err == nil {
			fmt.Fprintf(os.Stderr, "Request JSON: %s\nq (base64): %s\n", reqJSON, q)
		}
	}

	allowWipe := false
	token := f.token
	if token == "" {
		res, err := validate.Validate(f.serverURL, reqJSON)
		if err != nil {
			fatalf("validation request failed: %v", err)
		}
		if res.CodeMessage != "" {
			fmt.Println("Server message:", res.CodeMessage)
		}
		if f.dumpJSON && res.FullJSON != "" {
			fmt.Fprintf(os.Stderr, "Decrypted JSON: %s\n", res.FullJSON)
		}
		if res.ValidateToken == "" {
			fatalf("validation did not return a token; use --dump_json to inspect the server response")
		}
		token = res.ValidateToken
		if res.PkgRomValidate != nil && len(res.PkgRomValidate) == 0 {
			fmt.Fprintln(os.Stderr, "No allowed ROMs reported by server (Validate array empty). Proceeding may fail.")
		}
		allowWipe = res.PkgRomErase == 1
	}
	if f.verbose > 0 {
		preview := token
		if len(preview) > 8 {
			preview = preview[:8]
		}
		fmt.Fprintf(os.Stderr, "Using validate token (len %d): %s...\n", len(token), preview)
	}
	if allowWipe && !f.yes {
		confirmErase()
	}

	runProgress("Sideloading "+path, f.noUI, info.SN, token, func(onProgress sideload.Progress) error {
		_, err := client.Flash(flash.FlashOptions{
			Path: path, ChunkSize: f.chunkSize, ServerURL: f.serverURL, Info: info,
			MD5: usedMD5, Token: token, AllowWipe: allowWipe, OnProgress: onProgress,
		})
		return err
	})
}

func runDownloadLatest(serverURL string, info mi.Info, outputDir string, noUI bool) {
	if outputDir == "" {
		outputDir, _ = os.Getwd()
	}
	var path string
	runDownloadProgress("Downloading latest ROM", noUI, info.SN, func(onProgress download.Progress) error {
		p, err := flash.DownloadLatest(serverURL, info, outputDir, onProgress)
		path = p
		return err
	})
	fmt.Printf("Downloaded to %s (md5 ok)\n", path)
}

func runFlashFromLatest(client *flash.Client, serverURL string, info mi.Info, outputDir string, chunkSize int, yes bool, noUI bool) {
	if outputDir == "" {
		outputDir, _ = os.Getwd()
	}
	path, err := flash.DownloadLatest(serverURL, info, outputDir, download.Throttle(200*time.Millisecond, func(received, total int64) {
		fmt.Fprintf(os.Stderr, "\rdownloading: %d/%d", received, total)
	}))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Fprintln(os.Stderr)

	md5sum, err := flash.MD5File(path)
	if err != nil {
		fatalf("%v", err)
	}
	reqJSON := validate.BuildRequestJSON(info, md5sum)
	res, err := validate.Validate(serverURL, reqJSON)
	if err != nil {
		fatalf("validation request failed: %v", err)
	}
	if res.CodeMessage != "" {
		fmt.Println("Server message:", res.CodeMessage)
	}
	if res.ValidateToken == "" {
		fatalf("missing validate token in response")
	}
	if res.PkgRomErase == 1 && !yes {
		confirmErase()
	}

	runProgress("Sideloading "+path, noUI, info.SN, res.ValidateToken, func(onProgress sideload.Progress) error {
		_, err := client.Flash(flash.FlashOptions{
			Path: path, ChunkSize: chunkSize, ServerURL: serverURL, Info: info,
			MD5: md5sum, Token: res.ValidateToken, AllowWipe: res.PkgRomErase == 1, OnProgress: onProgress,
		})
		return err
	})
}

func runSetHash(args []string, state config.State) {
	if len(args) < 1 {
		fatalf("set-hash: an md5 value is required")
	}
	m := strings.ToLower(args[0])
	if len(m) != 32 || !isHex(m) {
		fatalf("--md5 must be 32 hex characters")
	}
	state.OverrideMD5 = &m
	if err := config.SaveState(state); err != nil {
		fatalf("saving state: %v", err)
	}
	fmt.Println("MD5 override saved.")
}

func runClearHash(state config.State) {
	state.OverrideMD5 = nil
	if err := config.SaveState(state); err != nil {
		fatalf("saving state: %v", err)
	}
	fmt.Println("MD5 override cleared.")
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func confirmErase() {
	fmt.Println("NOTICE: Data will be erased during flashing. Press Enter to continue...")
	reader := bufio.NewReader(os.Stdin)
	_, _ = reader.ReadString('\n')
}

// runProgress drives a sideload operation either under the interactive
// bubbletea progress screen, or with plain status lines when noUI is set.
// serial and token are the device serial and validate token, copyable
// from the progress screen with the "s"/"t" keys.
func runProgress(title string, noUI bool, serial, token string, work func(onProgress sideload.Progress) error) {
	if noUI {
		err := work(func(sent, total int64) {
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d", title, sent, total)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fatalf("%v", err)
		}
		return
	}

	model := ui.NewModel(serial, token)
	model.StartProgress(title)
	p := tea.NewProgram(model)

	var workErr error
	go func() {
		workErr = work(func(sent, total int64) {
			p.Send(ui.ProgressMsg{Sent: sent, Total: total})
		})
		p.Send(ui.FinishedMsg{Err: workErr})
	}()

	if _, err := p.Run(); err != nil {
		fatalf("ui: %v", err)
	}
	if workErr != nil {
		fatalf("%v", workErr)
	}
}

// serial is the device serial, copyable from the progress screen with
// the "s" key; there is no validate token yet at this point in the flow.
func runDownloadProgress(title string, noUI bool, serial string, work func(onProgress download.Progress) error) {
	if noUI {
		err := work(func(received, total int64) {
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d", title, received, total)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fatalf("%v", err)
		}
		return
	}

	model := ui.NewModel(serial, "")
	model.StartProgress(title)
	p := tea.NewProgram(model)

	var workErr error
	go func() {
		workErr = work(func(received, total int64) {
			p.Send(ui.ProgressMsg{Sent: received, Total: total})
		})
		p.Send(ui.FinishedMsg{Err: workErr})
	}()

	if _, err := p.Run(); err != nil {
		fatalf("ui: %v", err)
	}
	if workErr != nil {
		fatalf("%v", workErr)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `miassistant <command> [flags]

Commands:
  read-info            print device and ROM info fields
  list-allowed          query the server and list allowed ROMs
  flash <path>          validate and sideload the given recovery ROM zip
  format-data           issue format-data and reboot
  reboot                reboot the device
  download-latest       download the server's recommended ROM
  flash-from-latest     download the recommended ROM and flash it
  set-hash <md5>        persistently set the MD5 used for validation
  clear-hash            clear the persisted MD5 override

Run 'miassistant <command> -h' for command-specific flags.`)
}
