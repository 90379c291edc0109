package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"media-generation-pipeline/internal/config"
	"media-generation-pipeline/internal/generate"
	"media-generation-pipeline/internal/models"
)

// Uploader writes one artifact body and returns its final location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store turns provider output into a durable artifact: fetches linked
// results, applies image post-processing, and uploads to S3 or disk.
type Store struct {
	uploader   Uploader
	httpClient *http.Client
	maxBytes   int64
}

// NewStore picks the uploader from config: S3 when a bucket is set,
// the local directory otherwise.
func NewStore(ctx context.Context, cfg config.Config) (*Store, error) {
	var up Uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &S3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	} else {
		up = &LocalUploader{BaseDir: cfg.ArtifactDir}
	}
	maxBytes := cfg.ArtifactMaxBytes
	if maxBytes == 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &Store{
		uploader:   up,
		httpClient: &http.Client{},
		maxBytes:   maxBytes,
	}, nil
}

// NewStoreWithUploader wires a specific uploader. Tests use this.
func NewStoreWithUploader(up Uploader, maxBytes int64) *Store {
	if maxBytes == 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &Store{uploader: up, httpClient: &http.Client{}, maxBytes: maxBytes}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Persist stores one provider output under the job's id. resolution is
// an optional "WIDTHxHEIGHT" hint applied to image artifacts.
func (s *Store) Persist(ctx context.Context, jobID string, out generate.Output, resolution string) (models.ArtifactRef, error) {
	data := out.Data
	mime := out.MIME
	if out.SourceURL != "" {
		var err error
		var fetchedType string
		data, fetchedType, err = s.download(ctx, out.SourceURL)
		if err != nil {
			return models.ArtifactRef{}, err
		}
		if mime == "" {
			mime = fetchedType
		}
	}
	if len(data) == 0 {
		return models.ArtifactRef{}, fmt.Errorf("artifact for job %s is empty", jobID)
	}

	kind := out.Kind
	if kind == "" {
		kind = kindForMIME(mime)
	}

	if kind == "image" {
		resized, resizedMIME, err := resizeImage(data, mime, resolution)
		if err != nil {
			return models.ArtifactRef{}, err
		}
		data, mime = resized, resizedMIME
	}

	key := jobID + extensionForMIME(mime)
	location, err := s.uploader.Upload(ctx, key, data, mime)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("upload artifact: %w", err)
	}
	return models.ArtifactRef{Kind: kind, Location: location, MIME: mime}, nil
}

func (s *Store) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, s.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", s.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// resizeImage fits an image into the requested resolution. A blank or
// malformed hint leaves the bytes untouched.
func resizeImage(data []byte, mime, resolution string) ([]byte, string, error) {
	width, height, ok := parseResolution(resolution)
	if !ok {
		return data, mime, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, width, height, imaging.Lanczos)

	outputFormat := imaging.JPEG
	outputMIME := "image/jpeg"
	if format == "png" || strings.Contains(strings.ToLower(mime), "png") {
		outputFormat = imaging.PNG
		outputMIME = "image/png"
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), outputMIME, nil
}

func parseResolution(resolution string) (width, height int, ok bool) {
	parts := strings.SplitN(strings.ToLower(resolution), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	width, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	height, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func kindForMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	default:
		return "document"
	}
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

// LocalUploader writes artifacts under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.BaseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts artifacts into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
