package orchestration

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/models"
)

var csvHeader = []string{
	"invoiceNumber", "invoiceDate", "vendorName", "currency",
	"subtotal", "tax", "total", "dueDate",
	"lineItemIndex", "description", "quantity", "unitPrice", "lineTotal",
	"confidenceScore", "filename",
}

// WriteSessionJobsCSV streams one row per line item across every done job
// in a session, expanding multi-line-item invoices into multiple rows
// sharing the same source file.
func (o *Orchestrator) WriteSessionJobsCSV(ctx context.Context, sessionID string, w io.Writer) error {
	jobs, err := o.store.ListDoneBySession(ctx, sessionID)
	if err != nil {
		return common.ErrExternalService("failed to list done jobs for export", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return common.ErrInternal("failed to write csv header", err)
	}

	for _, job := range jobs {
		if err := writeJobRows(cw, job); err != nil {
			return common.ErrInternal("failed to write csv row", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return common.ErrInternal("failed to flush csv writer", err)
	}
	return nil
}

func writeJobRows(cw *csv.Writer, job *models.Job) error {
	record := job.ResultJSON
	confidence := ""
	if job.ConfidenceScore != nil {
		confidence = strconv.FormatFloat(*job.ConfidenceScore, 'f', 4, 64)
	}

	if record == nil || len(record.LineItems) == 0 {
		row := []string{"", "", "", "", "", "", "", ""}
		if record != nil {
			row = []string{
				record.InvoiceNumber, record.InvoiceDate, record.VendorName, record.Currency,
				formatMoney(record.Subtotal), formatMoney(record.Tax), formatMoney(record.Total), record.DueDate,
			}
		}
		row = append(row, "", "", "", "", "", confidence, job.Filename)
		return cw.Write(row)
	}

	for i, item := range record.LineItems {
		row := []string{
			record.InvoiceNumber, record.InvoiceDate, record.VendorName, record.Currency,
			formatMoney(record.Subtotal), formatMoney(record.Tax), formatMoney(record.Total), record.DueDate,
			strconv.Itoa(i), item.Description,
			formatMoney(item.Quantity), formatMoney(item.UnitPrice), formatMoney(item.LineTotal),
			confidence, job.Filename,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
