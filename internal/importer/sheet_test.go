package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestReadRowsFromWorkbook(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Date", "Customer", "Product", "Total"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{45000, "Acme", "Water", 300}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rows, err := ReadRows("journal.xlsx", buf)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Date", "Customer", "Product", "Total"}, rows[0])
	assert.Equal(t, "45000", rows[1][0])
	assert.Equal(t, "300", rows[1][3])
}

func TestReadRowsFromCSV(t *testing.T) {
	in := "\ufeffDate,Customer,Total\n01/03/2026,Acme,\"1,250\"\n,,\n"
	rows, err := ReadRows("journal.CSV", strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Date", rows[0][0])
	assert.Equal(t, "1,250", rows[1][2])
}

func TestReadRowsRejectsGarbageWorkbook(t *testing.T) {
	_, err := ReadRows("journal.xlsx", strings.NewReader("not a zip"))
	assert.Error(t, err)
}
