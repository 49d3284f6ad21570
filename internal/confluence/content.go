package confluence

import (
	"context"
	"fmt"
	"html"
	"strings"

	logutil "github.com/NYCU-SDC/summer/pkg/log"
	"go.uber.org/zap"

	"grafcon/internal/report"
)

// Placeholder in an existing page body that the generated report replaces.
// Without it the whole body is overwritten.
const graphsPlaceholder = "%%%graphs%%%"

// BuildBody renders the report in Confluence storage format: one section
// per dashboard with its full-view links, then collapsible expand blocks
// per panel holding the attached chart images.
func BuildBody(manifests []*report.Manifest, timepoints []report.Timepoint, graphWidth int) string {
	var b strings.Builder

	for _, manifest := range manifests {
		dashTitle := html.EscapeString(manifest.Name)
		fmt.Fprintf(&b, "<h2>%s</h2>\n", dashTitle)

		for _, tp := range timepoints {
			var period string
			if len(timepoints) > 1 {
				if tp.Tag != "" {
					period = " " + html.EscapeString(tp.Tag) + " "
				} else {
					period = fmt.Sprintf(" Test %d ", tp.ID+1)
				}
			} else {
				if tp.Tag != "" {
					period = " " + html.EscapeString(tp.Tag) + " "
				} else {
					period = " "
				}
			}

			link := ""
			if tp.ID < len(manifest.FullLinks) {
				link = manifest.FullLinks[tp.ID]
			}
			fmt.Fprintf(&b, "<p><a href=\"%s\">%s%s%s - %s</a></p>\n",
				html.EscapeString(link), dashTitle, period, tp.StartHuman, tp.EndHuman)
		}

		fmt.Fprintf(&b, "<ac:structured-macro ac:name=\"expand\">\n")
		fmt.Fprintf(&b, "  <ac:parameter ac:name=\"title\">%s</ac:parameter>\n", dashTitle)
		b.WriteString("  <ac:rich-text-body>\n")

		for _, panel := range manifest.Panels {
			rowTitle := html.EscapeString(panel.Title)
			fmt.Fprintf(&b, "<h3>%s</h3>\n", rowTitle)
			fmt.Fprintf(&b, "<ac:structured-macro ac:name=\"expand\">\n")
			fmt.Fprintf(&b, "  <ac:parameter ac:name=\"title\">%s</ac:parameter>\n", rowTitle)
			b.WriteString("  <ac:rich-text-body>\n")

			for _, tp := range timepoints {
				var period, timeStr string
				if len(timepoints) > 1 {
					if tp.Tag != "" {
						period = html.EscapeString(tp.Tag) + " "
					} else {
						period = fmt.Sprintf("Test %d ", tp.ID+1)
					}
					timeStr = tp.StartHuman + " - " + tp.EndHuman
				} else {
					period = rowTitle
				}

				link := ""
				if tp.ID < len(panel.Links) {
					link = panel.Links[tp.ID]
				}
				imageName := report.ChartFileName(manifest.Name, panel.ID, tp.ID)
				fmt.Fprintf(&b, "    <p><a href=\"%s\">%s%s</a></p>\n",
					html.EscapeString(link), period, timeStr)
				fmt.Fprintf(&b, "    <p><ac:image ac:width=\"%d\"><ri:attachment ri:filename=\"%s\" /></ac:image></p>\n",
					graphWidth, html.EscapeString(imageName))
			}

			b.WriteString("  </ac:rich-text-body>\n")
			b.WriteString("</ac:structured-macro>\n")
		}

		b.WriteString("  </ac:rich-text-body>\n")
		b.WriteString("</ac:structured-macro>\n")
	}

	return b.String()
}

// Publish rewrites the report page with the generated content. When the
// current body carries the graphs placeholder, only the placeholder is
// substituted and the surrounding page text survives.
func (c *Client) Publish(ctx context.Context, manifests []*report.Manifest, timepoints []report.Timepoint, graphWidth int) error {
	traceCtx, span := c.tracer.Start(ctx, "Publish")
	defer span.End()
	logger := logutil.WithContext(traceCtx, c.logger)

	page, err := c.GetPage(traceCtx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	content := BuildBody(manifests, timepoints, graphWidth)
	if strings.Contains(page.Body, graphsPlaceholder) {
		content = strings.ReplaceAll(page.Body, graphsPlaceholder, content)
	}

	logger.Debug("Publishing report page",
		zap.Int("dashboards", len(manifests)),
		zap.Int("timepoints", len(timepoints)),
	)

	return c.UpdatePage(traceCtx, page.Title, content, page.Version+1)
}
