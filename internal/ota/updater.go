package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedisct1/go-minisign"

	"envnode/internal/events"
	"envnode/internal/logger"
	"envnode/internal/storage"
)

// Update sources recorded in history.
const (
	SourceFeed   = "feed"
	SourceUpload = "upload"
)

const (
	cacheTTL            = 15 * time.Minute
	requestTimeout      = 30 * time.Second
	downloadTimeout     = 10 * time.Minute
	defaultRestartDelay = 2 * time.Second
	defaultBinaryName   = "envnode"
	versionFile         = "VERSION"
	userAgent           = "envnode-updater/1.0"
)

var (
	ErrBusy     = errors.New("update already in progress")
	ErrDevBuild = errors.New("cannot update dev version")
	ErrNoUpdate = errors.New("no update available")
	ErrNoFeed   = errors.New("no release feed configured")
)

// Release is the "latest release" document served by the feed. The layout
// follows the GitHub releases API.
type Release struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a downloadable release file.
type Asset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// CheckResult describes the newest release relative to the running build.
type CheckResult struct {
	UpdateAvailable bool      `json:"updateAvailable"`
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion"`
	ReleaseNotes    string    `json:"releaseNotes,omitempty"`
	ReleaseURL      string    `json:"releaseUrl,omitempty"`
	PublishedAt     time.Time `json:"publishedAt,omitempty"`
	DownloadSize    int64     `json:"downloadSize,omitempty"`
	Arch            string    `json:"arch"`
	IsDev           bool      `json:"isDev"`
}

// Progress is the state of the current or last update job.
type Progress struct {
	JobID   string `json:"jobId"`
	Source  string `json:"source"`
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// History stores install attempts.
type History interface {
	SaveUpdate(rec storage.UpdateRecord) error
	UpdateHistory(limit int) ([]storage.UpdateRecord, error)
}

// Recorder receives update events.
type Recorder interface {
	Add(eventType events.EventType, source string, success bool, details string)
}

// Options configures an Updater.
type Options struct {
	CurrentVersion string
	// WorkDir holds the installed binary.
	WorkDir    string
	BinaryName string
	FeedURL    string
	PublicKey  string
	// Service is the systemd unit restarted after a successful install
	// when Restart is set.
	Service      string
	Restart      bool
	RestartDelay time.Duration
}

// Updater checks for and installs firmware. One job runs at a time.
type Updater struct {
	opts           Options
	pubKey         minisign.PublicKey
	httpClient     *http.Client
	downloadClient *http.Client
	history        History
	events         Recorder
	log            *logger.Logger
	restart        func() error

	checkMu       sync.Mutex
	lastCheck     *CheckResult
	lastRelease   *Release
	lastCheckTime time.Time

	mu       sync.Mutex
	running  bool
	progress *Progress
}

// New creates an Updater. history and rec may be nil.
func New(opts Options, history History, rec Recorder, log *logger.Logger) (*Updater, error) {
	pubKey, err := ParsePublicKey(opts.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if opts.WorkDir == "" {
		return nil, errors.New("work directory is required")
	}
	if opts.BinaryName == "" {
		opts.BinaryName = defaultBinaryName
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = defaultRestartDelay
	}

	u := &Updater{
		opts:           opts,
		pubKey:         pubKey,
		httpClient:     &http.Client{Timeout: requestTimeout},
		downloadClient: &http.Client{Timeout: downloadTimeout},
		history:        history,
		events:         rec,
		log:            log,
	}
	u.restart = u.restartService
	return u, nil
}

// CurrentVersion returns the running firmware version.
func (u *Updater) CurrentVersion() string {
	return u.opts.CurrentVersion
}

// Status reports whether a job is running and its latest progress.
func (u *Updater) Status() (bool, *Progress) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.progress == nil {
		return u.running, nil
	}
	p := *u.progress
	return u.running, &p
}

// History returns up to limit past install attempts.
func (u *Updater) History(limit int) ([]storage.UpdateRecord, error) {
	if u.history == nil {
		return nil, nil
	}
	return u.history.UpdateHistory(limit)
}

// CheckUpdate queries the feed. Results are cached for a while.
func (u *Updater) CheckUpdate(ctx context.Context) (*CheckResult, error) {
	result, _, err := u.check(ctx)
	return result, err
}

func (u *Updater) check(ctx context.Context) (*CheckResult, *Release, error) {
	if u.opts.FeedURL == "" {
		return nil, nil, ErrNoFeed
	}

	u.checkMu.Lock()
	defer u.checkMu.Unlock()

	if u.lastCheck != nil && time.Since(u.lastCheckTime) < cacheTTL {
		result := *u.lastCheck
		return &result, u.lastRelease, nil
	}

	release, err := u.fetchRelease(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch latest release: %w", err)
	}

	isDev := IsDev(u.opts.CurrentVersion)
	result := &CheckResult{
		CurrentVersion: u.opts.CurrentVersion,
		LatestVersion:  release.TagName,
		ReleaseNotes:   release.Body,
		ReleaseURL:     release.HTMLURL,
		PublishedAt:    release.PublishedAt,
		Arch:           runtime.GOARCH,
		IsDev:          isDev,
	}
	if asset, ok := findAsset(release, u.archiveName()); ok {
		result.DownloadSize = asset.Size
	}
	if !isDev {
		newer, err := IsNewer(u.opts.CurrentVersion, release.TagName)
		if err != nil {
			u.log.Warnw("Cannot compare versions", "current", u.opts.CurrentVersion, "latest", release.TagName, "error", err)
		}
		result.UpdateAvailable = newer
	}

	u.lastCheck = result
	u.lastRelease = release
	u.lastCheckTime = time.Now()

	copied := *result
	return &copied, release, nil
}

func (u *Updater) fetchRelease(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.FeedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if release.TagName == "" {
		return nil, errors.New("release has no tag")
	}
	return &release, nil
}

// Update starts installing the newest feed release in the background and
// returns the job id. Watch Status for the outcome.
func (u *Updater) Update(ctx context.Context) (string, error) {
	if IsDev(u.opts.CurrentVersion) {
		return "", ErrDevBuild
	}
	if u.opts.FeedURL == "" {
		return "", ErrNoFeed
	}

	id, err := u.begin(SourceFeed)
	if err != nil {
		return "", err
	}

	go func() {
		version, err := u.updateFromFeed(ctx, id)
		u.finish(id, SourceFeed, version, err)
	}()
	return id, nil
}

// InstallFromUpload verifies and installs an archive that is already on
// disk. It blocks until the install is done; a restart, when configured,
// follows asynchronously.
func (u *Updater) InstallFromUpload(ctx context.Context, archivePath, sigPath string) (storage.UpdateRecord, error) {
	id, err := u.begin(SourceUpload)
	if err != nil {
		return storage.UpdateRecord{}, err
	}

	stageDir := filepath.Join(u.opts.WorkDir, ".update", id)
	version, err := u.install(ctx, stageDir, archivePath, sigPath, "")
	os.RemoveAll(stageDir)
	return u.finish(id, SourceUpload, version, err), err
}

func (u *Updater) updateFromFeed(ctx context.Context, id string) (string, error) {
	u.report("preparing", 0, "Checking for updates...")

	result, release, err := u.check(ctx)
	if err != nil {
		return "", err
	}
	if !result.UpdateAvailable {
		return result.LatestVersion, ErrNoUpdate
	}

	archiveName := u.archiveName()
	archive, ok := findAsset(release, archiveName)
	if !ok {
		return release.TagName, fmt.Errorf("no release asset for %s", archiveName)
	}
	sig, ok := findAsset(release, archiveName+".minisig")
	if !ok {
		return release.TagName, fmt.Errorf("no signature asset for %s", archiveName)
	}

	stageDir := filepath.Join(u.opts.WorkDir, ".update", id)
	defer os.RemoveAll(stageDir)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return release.TagName, fmt.Errorf("create update directory: %w", err)
	}

	u.report("downloading", 5, "Downloading update...")
	archivePath := filepath.Join(stageDir, archiveName)
	err = downloadFile(ctx, u.downloadClient, archive.BrowserDownloadURL, archivePath, func(done, total int64) {
		u.report("downloading", 5+int(float64(done)/float64(total)*40),
			fmt.Sprintf("Downloaded %s / %s", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total))))
	})
	if err != nil {
		return release.TagName, fmt.Errorf("download archive: %w", err)
	}

	u.report("downloading", 48, "Downloading signature...")
	sigPath := archivePath + ".minisig"
	if err := downloadFile(ctx, u.downloadClient, sig.BrowserDownloadURL, sigPath, nil); err != nil {
		return release.TagName, fmt.Errorf("download signature: %w", err)
	}

	return u.install(ctx, stageDir, archivePath, sigPath, release.TagName)
}

// install verifies the archive, swaps in its binary and rolls back if the
// swap fails. The returned version comes from the archive's VERSION file,
// falling back to want.
func (u *Updater) install(ctx context.Context, stageDir, archivePath, sigPath, want string) (string, error) {
	if err := ctx.Err(); err != nil {
		return want, err
	}

	u.report("verifying", 50, "Verifying signature...")
	if err := VerifySignature(archivePath, sigPath, u.pubKey); err != nil {
		return want, fmt.Errorf("signature verification failed: %w", err)
	}

	u.report("extracting", 60, "Extracting files...")
	extractDir := filepath.Join(stageDir, "extracted")
	files, err := extractTarGz(archivePath, extractDir)
	if err != nil {
		return want, fmt.Errorf("extract archive: %w", err)
	}
	u.log.Debugw("Archive extracted", "files", files)

	newBinary := filepath.Join(extractDir, u.opts.BinaryName)
	if info, err := os.Stat(newBinary); err != nil || !info.Mode().IsRegular() {
		return want, fmt.Errorf("archive has no %s binary", u.opts.BinaryName)
	}

	version := want
	if data, err := os.ReadFile(filepath.Join(extractDir, versionFile)); err == nil {
		version = strings.TrimSpace(string(data))
	}
	if version == "" {
		version = "unknown"
	}

	u.report("backup", 70, "Creating backup...")
	binaryPath := filepath.Join(u.opts.WorkDir, u.opts.BinaryName)
	backupDir := filepath.Join(u.opts.WorkDir, ".backup", backupName(u.opts.CurrentVersion))
	if err := backupBinary(binaryPath, backupDir); err != nil {
		return version, fmt.Errorf("create backup: %w", err)
	}

	u.report("installing", 80, "Installing update...")
	if err := replaceFile(newBinary, binaryPath, 0o755); err != nil {
		u.report("rollback", 85, "Rolling back...")
		if rbErr := restoreBinary(binaryPath, backupDir); rbErr != nil {
			return version, fmt.Errorf("install failed: %w, rollback also failed: %v", err, rbErr)
		}
		return version, fmt.Errorf("install failed (rolled back): %w", err)
	}
	return version, nil
}

func (u *Updater) begin(source string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return "", ErrBusy
	}
	id := uuid.NewString()
	u.running = true
	u.progress = &Progress{JobID: id, Source: source, Stage: "starting"}
	return id, nil
}

func (u *Updater) report(stage string, percent int, message string) {
	u.mu.Lock()
	if u.progress != nil {
		u.progress.Stage = stage
		u.progress.Percent = percent
		u.progress.Message = message
	}
	u.mu.Unlock()
	u.log.Debugw("Update progress", "stage", stage, "percent", percent)
}

// finish records the outcome and schedules a restart after success.
func (u *Updater) finish(id, source, version string, err error) storage.UpdateRecord {
	rec := storage.UpdateRecord{
		ID:          id,
		FromVersion: u.opts.CurrentVersion,
		ToVersion:   version,
		Source:      source,
		Success:     err == nil,
		Timestamp:   time.Now(),
	}
	details := fmt.Sprintf("%s -> %s", rec.FromVersion, rec.ToVersion)
	if err != nil {
		rec.Error = err.Error()
		details = err.Error()
	}

	if u.history != nil {
		if herr := u.history.SaveUpdate(rec); herr != nil {
			u.log.Warnw("Cannot save update history", "error", herr)
		}
	}
	if u.events != nil {
		u.events.Add(events.EventUpdate, source, err == nil, details)
	}

	u.mu.Lock()
	u.running = false
	if err != nil {
		u.progress = &Progress{JobID: id, Source: source, Stage: "failed", Message: err.Error()}
	} else {
		u.progress = &Progress{JobID: id, Source: source, Stage: "done", Percent: 100, Message: "Installed " + version}
	}
	u.mu.Unlock()

	if err != nil {
		u.log.Warnw("Update failed", "job", id, "source", source, "error", err)
		return rec
	}

	u.log.Infow("Update installed", "job", id, "source", source, "from", rec.FromVersion, "to", version)
	if u.opts.Restart {
		go func() {
			time.Sleep(u.opts.RestartDelay)
			u.log.Infow("Restarting service", "service", u.opts.Service)
			if err := u.restart(); err != nil {
				u.log.Errorw("Failed to restart service", "service", u.opts.Service, "error", err)
			}
		}()
	}
	return rec
}

func (u *Updater) restartService() error {
	if u.opts.Service == "" {
		return errors.New("no service configured")
	}
	return exec.Command("systemctl", "restart", u.opts.Service).Run()
}

func (u *Updater) archiveName() string {
	return fmt.Sprintf("%s-linux-%s.tar.gz", u.opts.BinaryName, runtime.GOARCH)
}

func findAsset(release *Release, name string) (Asset, bool) {
	for _, a := range release.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

func backupName(version string) string {
	if IsDev(version) {
		return "dev"
	}
	return filepath.Base(version)
}
