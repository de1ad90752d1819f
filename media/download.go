package media

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mosaicvideo/mosaic/errors"
	"github.com/mosaicvideo/mosaic/jobs/handlers"
)

// ExecDownloadClient shells out to yt-dlp for downloads and ffmpeg/ffprobe
// for thumbnails and quality probing.
type ExecDownloadClient struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewExecDownloadClient stores downloads under dir.
func NewExecDownloadClient(dir string, logger *zap.SugaredLogger) *ExecDownloadClient {
	return &ExecDownloadClient{dir: dir, logger: logger.Named("download")}
}

// Download fetches url with yt-dlp, parsing its progress lines into the
// callback, and returns the stored path.
func (c *ExecDownloadClient) Download(ctx context.Context, mediaURL, quality string, progress func(pct int)) (string, error) {
	outPath := filepath.Join(c.dir, uuid.NewString()+".%(ext)s")
	args := []string{
		"--newline",
		"--no-playlist",
		"-o", outPath,
		"--print", "after_move:filepath",
	}
	if quality != "" {
		args = append(args, "-f", "bestvideo[height<="+heightFor(quality)+"]+bestaudio/best")
	}
	args = append(args, mediaURL)

	cmd := exec.CommandContext(ctx, "yt-dlp", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "failed to open yt-dlp stdout")
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(err, "failed to start yt-dlp")
	}

	var lastLine string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lastLine = line
		if pct, ok := parseProgress(line); ok && progress != nil {
			progress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", errors.Wrapf(err, "yt-dlp failed: %s", lastLine)
	}
	// The final printed line is the moved file path
	if lastLine == "" {
		return "", errors.New("yt-dlp produced no output path")
	}
	return lastLine, nil
}

// Probe reads media info with ffprobe.
func (c *ExecDownloadClient) Probe(ctx context.Context, path string) (*handlers.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "ffprobe failed for %s", path)
	}

	var probe struct {
		Streams []struct {
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			CodecName string `json:"codec_name"`
			BitRate   string `json:"bit_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to parse ffprobe output")
	}
	if len(probe.Streams) == 0 {
		return nil, errors.Newf("no video stream in %s", path)
	}

	stream := probe.Streams[0]
	bitrate, _ := strconv.Atoi(stream.BitRate)
	return &handlers.MediaInfo{
		Width:       stream.Width,
		Height:      stream.Height,
		Codec:       stream.CodecName,
		BitrateKbps: bitrate / 1000,
	}, nil
}

// GenerateThumbnail grabs a frame at 10 seconds with ffmpeg.
func (c *ExecDownloadClient) GenerateThumbnail(ctx context.Context, videoPath string) (string, error) {
	thumbPath := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".jpg"
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-ss", "10",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		thumbPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", errors.Wrapf(err, "ffmpeg thumbnail failed: %s", lastOutputLine(output))
	}
	return thumbPath, nil
}

// parseProgress extracts the percentage from a yt-dlp progress line like
// "[download]  42.3% of 120.5MiB at 2.1MiB/s".
func parseProgress(line string) (int, bool) {
	if !strings.HasPrefix(line, "[download]") {
		return 0, false
	}
	fields := strings.Fields(line)
	for _, field := range fields {
		if strings.HasSuffix(field, "%") {
			value, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64)
			if err != nil {
				return 0, false
			}
			return int(value), true
		}
	}
	return 0, false
}

// heightFor maps a quality label to a max pixel height for yt-dlp format
// selection. Unknown labels fall back to 1080.
func heightFor(quality string) string {
	switch strings.ToLower(quality) {
	case "480p", "sd":
		return "480"
	case "720p", "hd":
		return "720"
	case "1080p", "fhd":
		return "1080"
	case "2160p", "4k", "uhd":
		return "2160"
	default:
		return "1080"
	}
}

func lastOutputLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
