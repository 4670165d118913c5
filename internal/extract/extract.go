// Package extract parses rendered register pages with goquery.
//
// Parser implements both crawler.ListingParser (search result pages) and
// crawler.FieldExtractor (registrant detail pages). All methods are pure over
// the markup they are given.
package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// UnknownName is used when a detail page has no heading.
const UnknownName = "Unknown"

// Config holds the selectors used to read the register's markup.
type Config struct {
	// Listing pages.
	ResultRowSelector string
	MarkerSelector    string
	PagerInfoSelector string
	PagerCountTag     string
	// Detail pages.
	NameSelector      string
	LabelBlockTag     string
	LabelTag          string
	SectionHeaderTag  string
}

// DefaultConfig returns the selectors for the register's Telerik grid pages.
func DefaultConfig() Config {
	return Config{
		ResultRowSelector: "table tbody tr",
		MarkerSelector:    `td[style="display:none;"]`,
		PagerInfoSelector: ".rgWrap.rgInfoPart",
		PagerCountTag:     "strong",
		NameSelector:      "h3",
		LabelBlockTag:     "p",
		LabelTag:          "strong",
		SectionHeaderTag:  "th",
	}
}

// Parser reads listing and detail pages.
type Parser struct {
	cfg    Config
	logger *zap.Logger
}

var (
	_ crawler.ListingParser  = (*Parser)(nil)
	_ crawler.FieldExtractor = (*Parser)(nil)
)

// New builds a Parser. Empty selectors fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Parser {
	def := DefaultConfig()
	fill := func(dst *string, fallback string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = fallback
		}
	}
	fill(&cfg.ResultRowSelector, def.ResultRowSelector)
	fill(&cfg.MarkerSelector, def.MarkerSelector)
	fill(&cfg.PagerInfoSelector, def.PagerInfoSelector)
	fill(&cfg.PagerCountTag, def.PagerCountTag)
	fill(&cfg.NameSelector, def.NameSelector)
	fill(&cfg.LabelBlockTag, def.LabelBlockTag)
	fill(&cfg.LabelTag, def.LabelTag)
	fill(&cfg.SectionHeaderTag, def.SectionHeaderTag)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{cfg: cfg, logger: logger.Named("extract")}
}

func parse(markup string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return doc, nil
}

// ExtractIdentifiers returns the identifiers of the result rows that carry
// the hidden marker column, in row order. Rows without it are skipped.
func (p *Parser) ExtractIdentifiers(markup string) ([]crawler.Identifier, error) {
	doc, err := parse(markup)
	if err != nil {
		return nil, err
	}
	var ids []crawler.Identifier
	doc.Find(p.cfg.ResultRowSelector).Each(func(_ int, row *goquery.Selection) {
		marker := row.Find(p.cfg.MarkerSelector).First()
		if marker.Length() == 0 {
			return
		}
		if id := strings.TrimSpace(marker.Text()); id != "" {
			ids = append(ids, crawler.Identifier(id))
		}
	})
	return ids, nil
}

// TotalPages reads the last count in the pager info block. A listing without
// a pager has a single page; an unreadable count is an error.
func (p *Parser) TotalPages(markup string) (int, error) {
	doc, err := parse(markup)
	if err != nil {
		return 0, err
	}
	info := doc.Find(p.cfg.PagerInfoSelector).First()
	if info.Length() == 0 {
		return 1, nil
	}
	counts := info.Find(p.cfg.PagerCountTag)
	if counts.Length() == 0 {
		return 0, fmt.Errorf("pager info has no %q element", p.cfg.PagerCountTag)
	}
	raw := strings.TrimSpace(counts.Last().Text())
	total, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse page count %q: %w", raw, err)
	}
	if total < 1 {
		return 0, fmt.Errorf("invalid page count %d", total)
	}
	return total, nil
}

// ExtractName returns the first heading's text, or UnknownName.
func (p *Parser) ExtractName(markup string) string {
	doc, err := parse(markup)
	if err != nil {
		return UnknownName
	}
	heading := doc.Find(p.cfg.NameSelector).First()
	if heading.Length() == 0 {
		return UnknownName
	}
	return strings.TrimSpace(heading.Text())
}

// ExtractFields collects "<strong>Label:</strong> value" pairs. The value is
// the text immediately following the label element. A repeated label keeps
// its last value.
func (p *Parser) ExtractFields(markup string) (map[string]string, error) {
	doc, err := parse(markup)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	doc.Find(p.cfg.LabelBlockTag).Each(func(_ int, block *goquery.Selection) {
		label := block.Find(p.cfg.LabelTag).First()
		if label.Length() == 0 {
			return
		}
		name := strings.TrimSuffix(strings.TrimSpace(label.Text()), ":")
		if name == "" {
			return
		}
		fields[name] = strings.TrimSpace(siblingText(label.Get(0).NextSibling))
	})
	return fields, nil
}

// ExtractSections returns the rows of the table with the given id. Cells are
// keyed by header text, or "Column N" when the table has no headers. Any
// failure is logged and yields an empty result.
func (p *Parser) ExtractSections(markup string, tableID string) []map[string]string {
	rows, err := p.sectionRows(markup, tableID)
	if err != nil {
		p.logger.Warn("section extraction failed",
			zap.String("table", tableID),
			zap.Error(err),
		)
		return []map[string]string{}
	}
	return rows
}

func (p *Parser) sectionRows(markup, tableID string) ([]map[string]string, error) {
	doc, err := parse(markup)
	if err != nil {
		return nil, err
	}
	rows := []map[string]string{}
	table := doc.Find("table").FilterFunction(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		return id == tableID
	}).First()
	if table.Length() == 0 {
		return rows, nil
	}

	headers := table.Find(p.cfg.SectionHeaderTag).Map(func(_ int, s *goquery.Selection) string {
		return strings.TrimSpace(s.Text())
	})

	var rowErr error
	table.Find("tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return true
		}
		if len(headers) > 0 && cells.Length() > len(headers) {
			rowErr = fmt.Errorf("row %d has %d cells for %d headers", i, cells.Length(), len(headers))
			return false
		}
		row := make(map[string]string, cells.Length())
		cells.Each(func(j int, td *goquery.Selection) {
			key := fmt.Sprintf("Column %d", j+1)
			if len(headers) > 0 {
				key = headers[j]
			}
			row[key] = strings.TrimSpace(td.Text())
		})
		rows = append(rows, row)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return rows, nil
}

// siblingText returns the text of a node: its data for text nodes, the
// concatenated descendant text for elements.
func siblingText(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
