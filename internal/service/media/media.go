// Package media produces the images and PDF documents requested during a
// tutoring conversation and stores them on disk.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"edututor/internal/config"
	"edututor/internal/models"
)

const (
	ContentTypePNG = "image/png"
	ContentTypePDF = "application/pdf"

	defaultOpenAIImageModel = "dall-e-3"
	defaultGeminiImageModel = "imagen-3.0-generate-002"
)

var errNoImage = errors.New("provider returned no image")

// ImageGenerator renders a picture for a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (data []byte, contentType string, err error)
}

// Asset is a generated file held in memory.
type Asset struct {
	Data        []byte
	ContentType string
	Provider    string
}

// Base64 is the payload sent to clients.
func (a *Asset) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

type namedGenerator struct {
	name string
	gen  ImageGenerator
}

// Service generates media. Image providers are tried in order and a local
// placeholder is drawn when all of them fail.
type Service struct {
	images []namedGenerator
	dir    string
	logger *zap.Logger
}

// New returns a Service writing files under dir.
func New(dir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{dir: dir, logger: logger}
}

// WithImageGenerator appends a provider to the image chain.
func (s *Service) WithImageGenerator(name string, g ImageGenerator) *Service {
	s.images = append(s.images, namedGenerator{name: name, gen: g})
	return s
}

// FromConfig builds the image chain from media.image_provider. An empty value
// or "auto" uses every provider that has an API key; "none" keeps only the
// placeholder.
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	s := New(cfg.BasicConfig.MediaDir, logger)
	want := strings.ToLower(strings.TrimSpace(cfg.Media.ImageProvider))
	if want == "none" {
		return s, nil
	}
	use := func(name string) bool { return want == "" || want == "auto" || want == name }

	if p, ok := cfg.Providers["openai"]; ok && p.APIKey != "" && use("openai") {
		s.WithImageGenerator("openai", newOpenAIImages(p, cfg.Media.ImageModel))
	}
	if p, ok := cfg.Providers["gemini"]; ok && p.APIKey != "" && use("gemini") {
		g, err := newGeminiImages(ctx, p, cfg.Media.ImageModel)
		if err != nil {
			return nil, fmt.Errorf("init gemini images: %w", err)
		}
		s.WithImageGenerator("gemini", g)
	}
	if len(s.images) == 0 {
		s.logger.Info("no image provider configured, using placeholder images")
	}
	return s, nil
}

// Image returns a picture for prompt. It only fails when ctx is done.
func (s *Service) Image(ctx context.Context, prompt string) (*Asset, error) {
	for _, ng := range s.images {
		data, ctype, err := ng.gen.GenerateImage(ctx, prompt)
		if err == nil && len(data) > 0 {
			if ctype == "" {
				ctype = ContentTypePNG
			}
			return &Asset{Data: data, ContentType: ctype, Provider: ng.name}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			err = errNoImage
		}
		s.logger.Warn("image provider failed", zap.String("provider", ng.name), zap.Error(err))
	}
	data, err := Placeholder(prompt, placeholderWidth, placeholderHeight)
	if err != nil {
		return nil, fmt.Errorf("draw placeholder: %w", err)
	}
	return &Asset{Data: data, ContentType: ContentTypePNG, Provider: "placeholder"}, nil
}

// PDF lays out a title followed by one block per paragraph.
func (s *Service) PDF(title string, paragraphs []string) (*Asset, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(title, true)
	pdf.SetCreator("edututor", true)
	pdf.SetMargins(18, 20, 18)
	pdf.AddPage()

	pdf.SetFillColor(232, 240, 255)
	pdf.Rect(0, 0, 210, 36, "F")
	pdf.SetFont("Helvetica", "B", 22)
	pdf.SetTextColor(52, 72, 140)
	pdf.MultiCell(0, 11, tr(title), "", "C", false)
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 13)
	pdf.SetTextColor(40, 40, 40)
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pdf.MultiCell(0, 7, tr(p), "", "L", false)
		pdf.Ln(3)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return &Asset{Data: buf.Bytes(), ContentType: ContentTypePDF, Provider: "fpdf"}, nil
}

// Save writes the asset under the media directory with a random name and
// returns the record to persist.
func (s *Service) Save(conversationID int64, kind models.MessageType, a *Asset, caption string) (models.MediaFile, error) {
	ext := "bin"
	switch a.ContentType {
	case ContentTypePNG:
		ext = "png"
	case "image/jpeg":
		ext = "jpg"
	case ContentTypePDF:
		ext = "pdf"
	}
	dir := filepath.Join(s.dir, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.MediaFile{}, fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+"."+ext)
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return models.MediaFile{}, fmt.Errorf("write media file: %w", err)
	}
	return models.MediaFile{
		ConversationID: conversationID,
		Kind:           kind,
		StoredPath:     path,
		ContentType:    a.ContentType,
		Caption:        caption,
		Size:           int64(len(a.Data)),
	}, nil
}

type openAIImages struct {
	client openai.Client
	model  string
}

func newOpenAIImages(p config.ProviderConfig, model string) *openAIImages {
	opts := []option.RequestOption{option.WithAPIKey(p.APIKey)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	if model == "" {
		model = defaultOpenAIImageModel
	}
	return &openAIImages{client: openai.NewClient(opts...), model: model}
}

func (g *openAIImages) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(g.model),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		Size:           openai.ImageGenerateParamsSize1024x1024,
	})
	if err != nil {
		return nil, "", fmt.Errorf("openai images: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, "", errNoImage
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, "", fmt.Errorf("decode openai image: %w", err)
	}
	return data, ContentTypePNG, nil
}

type geminiImages struct {
	client *genai.Client
	model  string
}

func newGeminiImages(ctx context.Context, p config.ProviderConfig, model string) (*geminiImages, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if model == "" || strings.HasPrefix(model, "dall-e") {
		model = defaultGeminiImageModel
	}
	return &geminiImages{client: client, model: model}, nil
}

func (g *geminiImages) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	resp, err := g.client.Models.GenerateImages(ctx, g.model, prompt, nil)
	if err != nil {
		return nil, "", fmt.Errorf("gemini images: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, "", errNoImage
	}
	img := resp.GeneratedImages[0].Image
	return img.ImageBytes, img.MIMEType, nil
}
