package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

// percentEncodeForDataURL encodes a string for use in a data URL.
// Spaces become %20, never +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				fmt.Fprintf(&result, "%%%02X", b)
			}
		}
	}
	return result.String()
}

func chromeAvailable() bool {
	for _, name := range chromeBinaries {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// ChromePDF renders with headless Chrome, bounded by timeout.
func ChromePDF(timeout time.Duration) PDFRenderer {
	return func(ctx context.Context, html, title string) (*Result, error) {
		if !chromeAvailable() {
			return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("blink-settings", "scriptEnabled=false"),
		)

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
		defer cancelAlloc()

		taskCtx, cancelTask := chromedp.NewContext(allocCtx)
		defer cancelTask()

		dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

		var pdfData []byte
		err := chromedp.Run(taskCtx,
			chromedp.Navigate(dataURL),
			chromedp.WaitReady("body"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				pdfData, _, err = page.PrintToPDF().
					WithPrintBackground(true).
					WithPaperWidth(8.27). // A4
					WithPaperHeight(11.69).
					WithMarginTop(0.75).
					WithMarginBottom(0.75).
					WithMarginLeft(0.75).
					WithMarginRight(0.75).
					WithPreferCSSPageSize(true).
					Do(ctx)
				return err
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
		}

		return &Result{
			Data:     pdfData,
			Filename: sanitizeFilename(title) + ".pdf",
			MimeType: "application/pdf",
		}, nil
	}
}

// sanitizeFilename keeps letters, digits, '-' and '_' and turns spaces into
// hyphens.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'å', r == 'ä':
			b.WriteRune('a')
		case r == 'Å', r == 'Ä':
			b.WriteRune('A')
		case r == 'ö':
			b.WriteRune('o')
		case r == 'Ö':
			b.WriteRune('O')
		case r == ' ':
			b.WriteRune('-')
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}

	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
