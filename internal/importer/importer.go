package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cart-consolidation/internal/domain"
	cartsvc "cart-consolidation/internal/service/cart"
)

type LineAdder interface {
	AddLine(ctx context.Context, owner cartsvc.Owner, in cartsvc.AddLineInput) (*domain.Cart, error)
}

// CSVImporter reads commercetools-like cart exports and replays their line
// items into carts owned by the same session or customer.
type CSVImporter struct {
	reader *csv.Reader
	carts  LineAdder
}

func NewCSVImporter(r io.Reader, carts LineAdder) *CSVImporter {
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1 // rows may have trailing commas
	return &CSVImporter{
		reader: csvr,
		carts:  carts,
	}
}

type csvRow struct {
	Owner cartsvc.Owner
	Line  *cartsvc.AddLineInput
}

type cartRows struct {
	owner cartsvc.Owner
	lines []cartsvc.AddLineInput
}

// Run parses CSV rows and adds their lines cart by cart. A row without an
// owner continues the cart above it. It returns the number of carts touched.
func (i *CSVImporter) Run(ctx context.Context) (int, error) {
	headers, err := i.reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read headers: %w", err)
	}
	index := headerIndex(headers)
	if _, ok := index["lineItems.productId"]; !ok {
		return 0, errors.New("read headers: lineItems.productId column missing")
	}

	var (
		current  *cartRows
		imported int
		rowNum   = 1
	)

	for {
		record, err := i.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if err != nil {
			return imported, fmt.Errorf("read row %d: %w", rowNum, err)
		}

		row, err := parseRow(record, index)
		if err != nil {
			return imported, fmt.Errorf("row %d: %w", rowNum, err)
		}
		if row == nil {
			continue
		}

		if row.Owner != (cartsvc.Owner{}) {
			if current != nil {
				if err := i.save(ctx, current); err != nil {
					return imported, err
				}
				imported++
			}
			current = &cartRows{owner: row.Owner}
		}
		if current == nil {
			return imported, fmt.Errorf("row %d: line before any cart owner", rowNum)
		}
		if row.Line != nil {
			current.lines = append(current.lines, *row.Line)
		}
	}

	if current != nil {
		if err := i.save(ctx, current); err != nil {
			return imported, err
		}
		imported++
	}

	return imported, nil
}

func (i *CSVImporter) save(ctx context.Context, c *cartRows) error {
	for _, line := range c.lines {
		if _, err := i.carts.AddLine(ctx, c.owner, line); err != nil {
			return fmt.Errorf("add line %q for %s: %w", line.ProductID, describe(c.owner), err)
		}
	}
	return nil
}

func describe(o cartsvc.Owner) string {
	if o.CustomerID != "" {
		return "customer " + o.CustomerID
	}
	return "session " + o.SessionID
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func parseRow(record []string, index map[string]int) (*csvRow, error) {
	row := &csvRow{
		Owner: cartsvc.Owner{
			SessionID:  pick(record, index, "anonymousId"),
			CustomerID: pick(record, index, "customerId"),
		},
	}
	if row.Owner.SessionID != "" && row.Owner.CustomerID != "" {
		return nil, errors.New("cart has both anonymousId and customerId")
	}

	productID := pick(record, index, "lineItems.productId")
	if productID == "" {
		if row.Owner == (cartsvc.Owner{}) {
			return nil, nil
		}
		return row, nil
	}

	qty, err := strconv.Atoi(pick(record, index, "lineItems.quantity"))
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("invalid quantity for product %q", productID)
	}
	cents, err := strconv.ParseInt(pick(record, index, "lineItems.price.value.centAmount"), 10, 64)
	if err != nil || cents < 0 {
		return nil, fmt.Errorf("invalid price for product %q", productID)
	}

	line := &cartsvc.AddLineInput{
		ProductID:      productID,
		Quantity:       qty,
		UnitPriceCents: cents,
	}
	// An empty cell means the line has no variant.
	if v := pick(record, index, "lineItems.variantId"); v != "" {
		line.VariantID = &v
	}
	row.Line = line
	return row, nil
}

func pick(record []string, index map[string]int, key string) string {
	pos, ok := index[key]
	if !ok || pos >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[pos])
}
