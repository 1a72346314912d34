// ABOUTME: Turns an outbound media reference into a downstream send_image or send_file command
// ABOUTME: Remote URLs pass through; local files are registered as short-lived download slots

package relay

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/2389/wap-gateway/internal/protocol"
	"github.com/2389/wap-gateway/internal/tempfile"
)

var (
	// ErrSourceNotFound means a local media path does not exist.
	ErrSourceNotFound = errors.New("media source not found")
	// ErrNotRegularFile means a local media path is a directory, device or similar.
	ErrNotRegularFile = errors.New("media source is not a regular file")
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".heic": true,
	".heif": true,
}

// IsImage reports whether name has an image extension.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// IsRemote reports whether source is an http(s) URL the device fetches
// itself. Anything else is treated as a local path.
func IsRemote(source string) bool {
	lower := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Relay builds media commands, registering local files in a temp-file registry.
type Relay struct {
	files *tempfile.Registry
}

// New creates a relay backed by files.
func New(files *tempfile.Registry) *Relay {
	return &Relay{files: files}
}

// Build returns the command that makes the device send source to talker.
// An empty source yields a nil command and no error. Local sources that
// cannot be served yield an error and no command.
func (r *Relay) Build(source, talker, accountID, caption string) (protocol.Command, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}

	if IsRemote(source) {
		return remoteCommand(source, talker, caption)
	}

	localPath, err := localPath(source)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, localPath)
		}
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegularFile, localPath)
	}

	name := SanitizeFileName(filepath.Base(localPath))
	entry := r.files.Register(accountID, localPath, name)
	if IsImage(name) {
		return protocol.SendImage{
			Talker:    talker,
			ImageID:   entry.ID,
			AccountID: accountID,
			Caption:   caption,
		}, nil
	}
	return protocol.SendFile{
		Talker:    talker,
		FileID:    entry.ID,
		AccountID: accountID,
		FileName:  name,
		Caption:   caption,
	}, nil
}

func remoteCommand(source, talker, caption string) (protocol.Command, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing media url: %w", err)
	}
	if IsImage(u.Path) {
		return protocol.SendImage{Talker: talker, ImageURL: source, Caption: caption}, nil
	}
	return protocol.SendFile{
		Talker:   talker,
		FileURL:  source,
		FileName: SanitizeFileName(path.Base(u.Path)),
		Caption:  caption,
	}, nil
}

// localPath resolves a bare path, ~/path or file:// URI to a filesystem path.
func localPath(source string) (string, error) {
	if strings.HasPrefix(strings.ToLower(source), "file://") {
		u, err := url.Parse(source)
		if err != nil {
			return "", fmt.Errorf("parsing file uri: %w", err)
		}
		if u.Path == "" {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		return filepath.FromSlash(u.Path), nil
	}
	if source == "~" || strings.HasPrefix(source, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(source, "~")), nil
	}
	return source, nil
}
