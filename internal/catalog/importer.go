package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// registryColumns is the positional layout used when a table has no header row.
var registryColumns = []string{"product", "active_ingredient", "crop", "disease", "region", "stage_kind", "dose", "unit", "method", "phi"}

var headerAliases = map[string]string{
	"product":           "product",
	"name":              "product",
	"active ingredient": "active_ingredient",
	"active_ingredient": "active_ingredient",
	"ai":                "active_ingredient",
	"crop":              "crop",
	"disease":           "disease",
	"region":            "region",
	"stage":             "stage_kind",
	"stage kind":        "stage_kind",
	"stage_kind":        "stage_kind",
	"dose":              "dose",
	"unit":              "unit",
	"dose unit":         "unit",
	"method":            "method",
	"phi":               "phi",
	"phi days":          "phi",
}

// ParseRegistryHTML extracts products from every table in an HTML product registry.
func ParseRegistryHTML(r io.Reader) ([]Product, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry html: %w", err)
	}

	// Remove noise before reading cells
	doc.Find("script, style, nav, footer").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var out []Product
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		columns := registryColumns
		if header := table.Find("tr").First().Find("th"); header.Length() > 0 {
			columns = headerColumns(header)
		}

		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() == 0 {
				return
			}
			fields := map[string]string{}
			cells.Each(func(i int, cell *goquery.Selection) {
				if i < len(columns) && columns[i] != "" {
					fields[columns[i]] = strings.TrimSpace(cell.Text())
				}
			})
			if p, ok := productFromFields(fields); ok {
				out = append(out, p)
			}
		})
	})
	return out, nil
}

func headerColumns(header *goquery.Selection) []string {
	cols := make([]string, header.Length())
	header.Each(func(i int, th *goquery.Selection) {
		cols[i] = headerAliases[strings.ToLower(strings.TrimSpace(th.Text()))]
	})
	return cols
}

func productFromFields(f map[string]string) (Product, bool) {
	if f["product"] == "" {
		return Product{}, false
	}
	p := Product{
		Product:          f["product"],
		ActiveIngredient: f["active_ingredient"],
		Crop:             f["crop"],
		Disease:          f["disease"],
		Region:           f["region"],
		StageKind:        f["stage_kind"],
		DoseUnit:         f["unit"],
		Method:           f["method"],
	}
	if v, err := strconv.ParseFloat(strings.ReplaceAll(f["dose"], ",", "."), 64); err == nil && v >= 0 {
		p.DoseValue = &v
	}
	if v, err := strconv.Atoi(f["phi"]); err == nil && v >= 0 {
		p.PHIDays = &v
	}
	return p, true
}

// FetchRegistry downloads an HTML registry page and parses it.
func FetchRegistry(ctx context.Context, url string) ([]Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch registry: status %d", resp.StatusCode)
	}
	return ParseRegistryHTML(resp.Body)
}
