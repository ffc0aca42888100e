// Package scraper turns the public trade activity table into observations.
package scraper

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/rewired-gh/polyboard/internal/models"
)

// ErrNoTable is returned when the page has no table body to read rows from.
var ErrNoTable = errors.New("activity table not found")

// Column positions within a trade row.
const (
	colSide   = 1
	colMarket = 3
	colEvent  = 4
	colAmount = 6
	colPrice  = 7
	colTime   = 9

	minCells = colTime + 1
)

// RowError reports a table row that was rejected. Row is 1-based.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// ParseTable reads every `table tbody tr` row from an HTML document.
func ParseTable(r io.Reader, observedAt time.Time) ([]models.Observation, []RowError, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse html: %w", err)
	}

	rows, found := tableRows(doc)
	if !found {
		return nil, nil, ErrNoTable
	}

	obs := make([]models.Observation, 0, len(rows))
	var rowErrs []RowError
	for i, tr := range rows {
		o, err := parseRow(cellTexts(tr), observedAt)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: i + 1, Err: err})
			continue
		}
		obs = append(obs, o)
	}
	return obs, rowErrs, nil
}

func parseRow(cells []string, observedAt time.Time) (models.Observation, error) {
	if len(cells) < minCells {
		return models.Observation{}, fmt.Errorf("expected at least %d cells, got %d", minCells, len(cells))
	}

	amount, err := parseAmount(cells[colAmount])
	if err != nil {
		return models.Observation{}, err
	}

	return models.NewObservation(
		cells[colEvent],
		cells[colMarket],
		cells[colSide],
		amount,
		parsePrice(cells[colPrice]),
		cells[colTime],
		observedAt,
	)
}

// parseAmount accepts values such as "$1,234.50".
func parseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// parsePrice reads a plain non-negative number. Anything else, such as a dash
// placeholder, counts as zero.
func parsePrice(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "+-eEnNiI") {
		return 0
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return p
}

// tableRows collects the tr children of every tbody inside a table.
func tableRows(doc *html.Node) ([]*html.Node, bool) {
	var rows []*html.Node
	found := false

	var walk func(n *html.Node, inTable bool)
	walk = func(n *html.Node, inTable bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Table:
				inTable = true
			case atom.Tbody:
				if inTable {
					found = true
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.ElementNode && c.DataAtom == atom.Tr {
							rows = append(rows, c)
						}
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inTable)
		}
	}
	walk(doc, false)

	return rows, found
}

func cellTexts(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			cells = append(cells, nodeText(c))
		}
	}
	return cells
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
