package framepatch

import (
	"context"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// FrameHTML returns the serialised current document of the named frame.
// An empty name means the default observer frame.
func (s *Supervisor) FrameHTML(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	host := s.host
	if name == "" {
		name = s.cfg.Observer.Frame
	}
	s.mu.Unlock()

	fr, err := host.LookupFrame(ctx, name)
	if err != nil {
		return "", err
	}
	doc, err := fr.Document(ctx)
	if err != nil {
		return "", err
	}
	return doc.HTML(ctx)
}

// FrameMarkdown renders the named frame's document as Markdown, tables
// included, for reading the page state from a terminal or an agent.
func (s *Supervisor) FrameMarkdown(ctx context.Context, name string) (string, error) {
	html, err := s.FrameHTML(ctx, name)
	if err != nil {
		return "", err
	}
	md, err := mdConverter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("framepatch: markdown: %w", err)
	}
	return md, nil
}
