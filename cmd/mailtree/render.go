package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/mailtree/internal/config"
	"github.com/shineum/mailtree/internal/render"
	"github.com/shineum/mailtree/internal/templates"
)

// templateFlags selects a built-in template and its data.
type templateFlags struct {
	name     string
	data     string
	dataFile string
}

func (f *templateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "template", "t", "", "built-in template ("+strings.Join(templates.Names(), ", ")+")")
	cmd.Flags().StringVar(&f.data, "data", "", "template data as inline JSON")
	cmd.Flags().StringVar(&f.dataFile, "data-file", "", "template data JSON file, - for stdin")
	_ = cmd.MarkFlagRequired("template")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
}

func (f *templateFlags) build(stdin io.Reader) (templates.Message, error) {
	data := []byte(f.data)
	switch f.dataFile {
	case "":
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return templates.Message{}, fmt.Errorf("failed to read template data: %w", err)
		}
		data = b
	default:
		b, err := os.ReadFile(f.dataFile)
		if err != nil {
			return templates.Message{}, fmt.Errorf("failed to read template data: %w", err)
		}
		data = b
	}
	return templates.Build(f.name, data)
}

// newRenderer builds a renderer from the render section.
func newRenderer(cfg *config.Config) *render.Renderer {
	opts := []render.Option{render.WithEscaping(cfg.Render.Escape)}
	if len(cfg.Render.BlockTags) > 0 {
		opts = append(opts, render.WithBlockTags(cfg.Render.BlockTags...))
	}
	return render.New(opts...)
}

type renderOutput struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

func renderCmd(a *app) *cobra.Command {
	var (
		tf     templateFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a template to HTML and text",
		Long: `Render a built-in template and print the result.

Formats:
  html   the HTML rendition
  text   the plain-text rendition
  json   subject, html and text as a JSON object

Examples:
  mailtree render -t welcome --data '{"name":"Ada","product":"Shop"}'
  mailtree render -t receipt --data-file order.json --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := tf.build(cmd.InOrStdin())
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := newRenderer(a.cfg).Render(cmd.Context(), msg.Content)
			a.metrics.ObserveRender(time.Since(start), err)
			if err != nil {
				return fmt.Errorf("failed to render %s: %w", tf.name, err)
			}

			out := cmd.OutOrStdout()
			switch format {
			case "html":
				_, err = fmt.Fprintln(out, res.HTML)
			case "text":
				_, err = fmt.Fprint(out, res.Text)
			case "json":
				err = writeJSON(out, renderOutput{Subject: msg.Subject, HTML: res.HTML, Text: res.Text})
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return err
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "html", "output format: html, text or json")

	return cmd
}
