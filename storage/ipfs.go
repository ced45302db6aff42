package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// maxBackupSize bounds what Retrieve will read from the network.
const maxBackupSize = 1 << 20

// IPFSBackup publishes vault export envelopes to an IPFS node and fetches them
// back by CID. Envelopes only ever contain a sealed blob.
type IPFSBackup struct {
	shell   *shell.Shell
	apiURL  string
	timeout time.Duration
	log     *slog.Logger
}

// NewIPFSBackup creates a backup publisher talking to the IPFS HTTP API at apiURL (host:port).
func NewIPFSBackup(apiURL string, timeout time.Duration, log *slog.Logger) *IPFSBackup {
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFSBackup{
		shell:   sh,
		apiURL:  apiURL,
		timeout: timeout,
		log:     log,
	}
}

// Publish adds and pins data and returns its CID.
func (b *IPFSBackup) Publish(ctx context.Context, data []byte) (string, error) {
	if !b.shell.IsUp() {
		return "", interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return "", fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Info("Published vault backup to IPFS", slog.String("cid", cid))
	return cid, nil
}

// Retrieve fetches the content stored under cid.
// Returns ErrContentNotFound if the node does not resolve the CID.
func (b *IPFSBackup) Retrieve(ctx context.Context, cid string) ([]byte, error) {
	start := time.Now()

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("api", b.apiURL))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat(cid)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("cid", cid),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxBackupSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched vault backup from IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackup) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this publisher.
func (b *IPFSBackup) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiURL)
}
