package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"reservia/internal/database"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Reservations"

// Exporter writes reservation history reports as xlsx files.
type Exporter struct {
	db   *database.DB
	path string
	log  zerolog.Logger
}

func New(db *database.DB, path string, logger *zerolog.Logger) *Exporter {
	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "export").Logger()
	}
	return &Exporter{db: db, path: path, log: log}
}

// ReservationHistory writes all reservations requested inside the range
// to an xlsx file and returns its path.
func (e *Exporter) ReservationHistory(ctx context.Context, startDate, endDate time.Time) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	reservations, err := e.db.ListReservationsByDateRange(ctx, startDate, endDate)
	if err != nil {
		return "", fmt.Errorf("error getting reservations: %w", err)
	}

	userNames, resourceNames, err := e.loadNames(ctx)
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Period: %s - %s",
		startDate.Format("2006-01-02"), endDate.Format("2006-01-02")))

	headers := []string{"ID", "User", "Resource", "Status", "Requested", "Approved", "Cancelled", "Released", "Valid until"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, h)
	}

	for row, r := range reservations {
		values := []interface{}{
			r.ID,
			nameOrID(userNames, r.UserID),
			nameOrID(resourceNames, r.ResourceID),
			r.Status(),
			formatTime(&r.RequestDate),
			formatTime(r.ApprovedDate),
			formatTime(r.CancelledDate),
			formatTime(r.ReleasedDate),
			formatTime(r.ValidUntil),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+3)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "D", 18)
	_ = f.SetColWidth(sheetName, "E", "I", 22)

	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.MergeCell(sheetName, "A1", lastCol+"1")

	style, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", style)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("reservations_%s_to_%s.xlsx",
		startDate.Format("2006-01-02"),
		endDate.Format("2006-01-02"))
	filePath := filepath.Join(e.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.log.Info().Str("file_path", filePath).Int("rows", len(reservations)).Msg("xlsx report created")
	return filePath, nil
}

func (e *Exporter) loadNames(ctx context.Context) (map[int64]string, map[int64]string, error) {
	users, err := e.db.GetAllUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting users: %w", err)
	}
	userNames := make(map[int64]string, len(users))
	for _, u := range users {
		userNames[u.ID] = u.Name
	}

	resources, err := e.db.GetResources(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting resources: %w", err)
	}
	resourceNames := make(map[int64]string, len(resources))
	for _, r := range resources {
		resourceNames[r.ID] = r.Name
	}

	return userNames, resourceNames, nil
}

func nameOrID(names map[int64]string, id int64) string {
	if name, ok := names[id]; ok {
		return name
	}
	return fmt.Sprintf("#%d", id)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
