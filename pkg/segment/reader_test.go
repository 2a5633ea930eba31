package segment

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLayout_PathAndList(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Dir: dir, Base: "addresses", Ext: "csv"}

	assert.Equal(t, filepath.Join(dir, "addresses_part_007.csv"), l.Path(7))
	assert.Equal(t, filepath.Join(dir, "addresses_part_1000.csv"), l.Path(1000))

	for _, name := range []string{
		"addresses_part_002.csv",
		"addresses_part_1000.csv",
		"addresses_part_001.csv",
		"addresses_part_01.csv",
		"addresses_part_003.csv.tmp",
		"other_part_004.csv",
		"addresses_gaps.csv",
	} {
		writeFile(t, dir, name, "")
	}

	infos, err := l.List()
	require.NoError(t, err)

	var numbers []int
	for _, info := range infos {
		numbers = append(numbers, info.Number)
	}
	assert.Equal(t, []int{1, 2, 1000}, numbers)
}

func TestLayout_ListMissingDir(t *testing.T) {
	l := Layout{Dir: filepath.Join(t.TempDir(), "absent"), Base: "addresses"}
	infos, err := l.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestReadBounds(t *testing.T) {
	dir := t.TempDir()

	var big strings.Builder
	big.WriteString("street,id\n")
	for i := 100; i <= 2100; i++ {
		big.WriteString("\"some street, with a comma\"," + strconv.Itoa(i) + "\n")
	}

	tests := []struct {
		name      string
		content   string
		wantFirst int64
		wantLast  int64
		wantEmpty bool
	}{
		{name: "small", content: "id,street\n10,a\n11,b\n15,c\n", wantFirst: 10, wantLast: 15},
		{name: "single row", content: "id,street\n42,a\n", wantFirst: 42, wantLast: 42},
		{name: "larger than tail chunk", content: big.String(), wantFirst: 100, wantLast: 2100},
		{name: "quoted newline in last row", content: "id,street\n1,a\n2,\"line one\nline two\"\n", wantFirst: 1, wantLast: 2},
		{name: "torn last row", content: "id,street\n1,a\n2,b\n3,", wantFirst: 1, wantLast: 2},
		{name: "header only", content: "id,street\n", wantEmpty: true},
		{name: "zero bytes", content: "", wantEmpty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".csv", tt.content)

			b, err := ReadBounds(path, "id")
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmpty, b.Empty)
			if !tt.wantEmpty {
				assert.Equal(t, tt.wantFirst, b.FirstID)
				assert.Equal(t, tt.wantLast, b.LastID)
			}
		})
	}
}

func TestReadBounds_MissingIDColumn(t *testing.T) {
	path := writeFile(t, t.TempDir(), "x.csv", "uid,street\n1,a\n")
	_, err := ReadBounds(path, "id")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestScan(t *testing.T) {
	path := writeFile(t, t.TempDir(), "s.csv", "id,street\n3,a\n5,\"b\nc\"\n9,d\n")

	sum, err := Scan(path, "id")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Rows)
	assert.Equal(t, int64(3), sum.FirstID)
	assert.Equal(t, int64(9), sum.LastID)
	assert.False(t, sum.Torn)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), sum.Size)
}

func TestScan_TornHeader(t *testing.T) {
	path := writeFile(t, t.TempDir(), "s.csv", "id,str")

	sum, err := Scan(path, "id")
	require.NoError(t, err)
	assert.True(t, sum.Torn)
	assert.Equal(t, int64(0), sum.Size)
	assert.Nil(t, sum.Header)
}
