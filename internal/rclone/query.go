package rclone

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// SizeResult is the output of `rclone size --json`.
type SizeResult struct {
	Count uint64 `json:"count"`
	Bytes uint64 `json:"bytes"`
}

// ListEntry is one element of `rclone lsjson` output.
type ListEntry struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	MimeType string `json:"MimeType"`
	ModTime  string `json:"ModTime"`
	IsDir    bool   `json:"IsDir"`
}

// Size asks rclone for the aggregate object count and byte size of the remote path.
func (c *Client) Size(ctx context.Context, remotePath string) (SizeResult, error) {
	rargs, err := c.remoteArgs(ctx, remotePath)
	if err != nil {
		return SizeResult{}, err
	}
	out, err := c.output(ctx, append([]string{"size", "--json"}, rargs...))
	if err != nil {
		return SizeResult{}, err
	}
	return ParseSize(out)
}

// List returns every file below the remote path. Directory entries are dropped.
func (c *Client) List(ctx context.Context, remotePath string) ([]ListEntry, error) {
	rargs, err := c.remoteArgs(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	out, err := c.output(ctx, append([]string{"lsjson", "--recursive"}, rargs...))
	if err != nil {
		return nil, err
	}
	return ParseList(out)
}

// ParseSize decodes `rclone size --json` output.
func ParseSize(data []byte) (SizeResult, error) {
	var res SizeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return SizeResult{}, fmt.Errorf("parsing size output: %w", err)
	}
	return res, nil
}

// ParseList decodes `rclone lsjson` output, keeping files only. Unknown
// sizes (reported by rclone as -1) are recorded as zero.
func ParseList(data []byte) ([]ListEntry, error) {
	var entries []ListEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing lsjson output: %w", err)
	}
	files := make([]ListEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if e.Size < 0 {
			e.Size = 0
		}
		files = append(files, e)
	}
	return files, nil
}
