package distclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/dist"
	"github.com/sccached/sccached/internal/fsutil"
)

// HTTPScheduler is the production dist.Scheduler, speaking unary JSON RPCs
// to a scheduler over go-retryablehttp. The actual wire protocol a real
// distributed-build cluster would use is out of scope (spec.md §1); this
// implements just enough request/response shape to drive the client-side
// sequence of §4.5 against a compatible scheduler.
type HTTPScheduler struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewHTTPScheduler is a distclient.Creator: it resolves the auth token,
// builds the retryablehttp client, and issues the initial status probe
// spec.md §4.6 requires before entering Live.
func NewHTTPScheduler(ctx context.Context, cfg Config) (dist.Scheduler, error) {
	token := cfg.AuthToken
	if token == "" {
		if cfg.AuthURL == "" {
			return nil, NewPermanentError(fmt.Errorf("no auth token and no auth URL configured"))
		}
		resolved, err := fetchOAuthToken(ctx, cfg.AuthURL)
		if err != nil {
			return nil, NewPermanentError(fmt.Errorf("resolving dist auth token: %w", err))
		}
		token = resolved
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	s := &HTTPScheduler{baseURL: cfg.SchedulerURL, token: token, client: client}
	if err := s.Status(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func fetchOAuthToken(ctx context.Context, authURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, authURL, nil)
	if err != nil {
		return "", err
	}
	client := retryablehttp.NewClient()
	client.Logger = nil
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %s", resp.Status)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.AccessToken, nil
}

func (s *HTTPScheduler) do(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &dist.ClientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		b, _ := io.ReadAll(resp.Body)
		return &dist.ClientError{Err: fmt.Errorf("%s: %s", resp.Status, string(b))}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("scheduler %s %s: %s: %s", method, path, resp.Status, string(b))
	}
	if respBody != nil {
		return json.NewDecoder(resp.Body).Decode(respBody)
	}
	return nil
}

// Status implements dist.Scheduler.
func (s *HTTPScheduler) Status(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/api/v1/status", nil, nil)
}

// PutToolchain implements dist.Scheduler.
func (s *HTTPScheduler) PutToolchain(ctx context.Context, localExecutable, weakToolchainKey string, pkg dist.ToolchainPackager) (dist.Toolchain, string, error) {
	payload, err := pkg.Package(ctx, localExecutable)
	if err != nil {
		return dist.Toolchain{}, "", err
	}
	var resp struct {
		Key            string `json:"key"`
		Server         string `json:"server"`
		OverridePath   string `json:"override_path"`
	}
	req := struct {
		WeakKey string `json:"weak_toolchain_key"`
		Size    int    `json:"size"`
	}{WeakKey: weakToolchainKey, Size: len(payload)}
	if err := s.do(ctx, http.MethodPost, "/api/v1/toolchain", req, &resp); err != nil {
		return dist.Toolchain{}, "", err
	}
	return dist.Toolchain{Key: resp.Key, Server: resp.Server}, resp.OverridePath, nil
}

// AllocJob implements dist.Scheduler.
func (s *HTTPScheduler) AllocJob(ctx context.Context, toolchain dist.Toolchain) (dist.AllocJobResult, error) {
	var resp struct {
		Success       bool   `json:"success"`
		JobID         string `json:"job_id"`
		Server        string `json:"server"`
		NeedToolchain bool   `json:"need_toolchain"`
		Msg           string `json:"msg"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/v1/alloc_job", toolchain, &resp); err != nil {
		return dist.AllocJobResult{}, err
	}
	return dist.AllocJobResult{
		Success:       resp.Success,
		Alloc:         dist.JobAlloc{JobID: resp.JobID, Server: resp.Server},
		NeedToolchain: resp.NeedToolchain,
		Msg:           resp.Msg,
	}, nil
}

// SubmitToolchain implements dist.Scheduler.
func (s *HTTPScheduler) SubmitToolchain(ctx context.Context, alloc dist.JobAlloc, toolchain dist.Toolchain) (dist.SubmitToolchainStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	req := struct {
		JobID string `json:"job_id"`
		Key   string `json:"key"`
	}{JobID: alloc.JobID, Key: toolchain.Key}
	if err := s.do(ctx, http.MethodPost, "/api/v1/submit_toolchain", req, &resp); err != nil {
		return dist.SubmitJobNotFound, err
	}
	switch resp.Status {
	case "success":
		return dist.SubmitSuccess, nil
	case "job_not_found":
		return dist.SubmitJobNotFound, nil
	default:
		return dist.SubmitCannotCache, nil
	}
}

// RunJob implements dist.Scheduler.
func (s *HTTPScheduler) RunJob(ctx context.Context, alloc dist.JobAlloc, cmd compiler.CompileCommand, outputPaths []string, pkg dist.InputsPackager) (dist.RunJobOutcome, dist.PathTransformer, error) {
	requestID := uuid.NewString()
	var resp struct {
		JobFound bool `json:"job_found"`
		Complete bool `json:"complete"`
		Output   struct {
			ExitCode int    `json:"exit_code"`
			Signal   int    `json:"signal"`
			Stdout   []byte `json:"stdout"`
			Stderr   []byte `json:"stderr"`
		} `json:"output"`
		Outputs []struct {
			Path string `json:"path"`
			Data []byte `json:"data"`
		} `json:"outputs"`
	}
	req := struct {
		RequestID   string   `json:"request_id"`
		JobID       string   `json:"job_id"`
		Argv        []string `json:"argv"`
		Env         []string `json:"env"`
		Cwd         string   `json:"cwd"`
		OutputPaths []string `json:"output_paths"`
	}{
		RequestID:   requestID,
		JobID:       alloc.JobID,
		Argv:        cmd.Argv(),
		Env:         cmd.Environ(),
		Cwd:         cmd.Cwd,
		OutputPaths: outputPaths,
	}
	if err := s.do(ctx, http.MethodPost, "/api/v1/run_job", req, &resp); err != nil {
		return dist.RunJobOutcome{}, nil, err
	}
	outcome := dist.RunJobOutcome{JobFound: resp.JobFound, Complete: resp.Complete}
	if resp.Complete {
		outs := make([]dist.OutputBlob, len(resp.Outputs))
		for i, o := range resp.Outputs {
			outs[i] = dist.OutputBlob{DistPath: o.Path, Data: o.Data}
		}
		outcome.JobResult = dist.JobComplete{
			Output: dist.ProcessOutput{
				ExitCode: resp.Output.ExitCode,
				Signal:   resp.Output.Signal,
				Stdout:   resp.Output.Stdout,
				Stderr:   resp.Output.Stderr,
			},
			Outputs: outs,
		}
	}
	return outcome, dist.NoopTransformer{}, nil
}

// FilePackager is the default ToolchainPackager: it reads the compiler
// executable straight off disk. When CacheDir is set (from the [dist]
// config's toolchain_dir, spec.md §4.5's "toolchain-cache ... directory"
// construction detail) it keeps a copy keyed by the executable's path,
// size and mtime, so packaging the same installed toolchain repeatedly
// doesn't re-touch the original binary each time.
type FilePackager struct {
	CacheDir string
}

// Package implements dist.ToolchainPackager.
func (p FilePackager) Package(ctx context.Context, localExecutable string) ([]byte, error) {
	if p.CacheDir == "" {
		return os.ReadFile(localExecutable)
	}
	info, err := os.Stat(localExecutable)
	if err != nil {
		return nil, err
	}
	cached := filepath.Join(p.CacheDir, toolchainCacheKey(localExecutable, info))
	if fsutil.FileExists(cached) {
		return os.ReadFile(cached)
	}
	if err := fsutil.EnsureDir(cached); err != nil {
		return nil, err
	}
	if err := fsutil.CopyFileAtomic(localExecutable, cached, info.Mode().Perm()); err != nil {
		return nil, err
	}
	return os.ReadFile(cached)
}

func toolchainCacheKey(path string, info os.FileInfo) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())))
	return hex.EncodeToString(h[:])
}

// NoopInputsPackager implements dist.InputsPackager with a no-op payload,
// since each adapter's DistCommand already carries the full argv the
// remote worker needs and neither adapter here tracks header dependency
// graphs.
type NoopInputsPackager struct{}

func (NoopInputsPackager) Package(ctx context.Context, comp compiler.Compilation) ([]byte, error) {
	return nil, nil
}
