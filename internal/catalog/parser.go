package catalog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonical column names. Headers are matched by name, never by position,
// so catalog maintainers may reorder or add columns freely.
const (
	colName       = "card_name"
	colCategory   = "category"
	colRate       = "rate"
	colActivation = "activation"
	colValidUntil = "valid_until"
	colConditions = "conditions"
	colIssuer     = "issuer"
)

var requiredColumns = []string{colName, colCategory, colRate, colActivation}

// headerAliases maps seen-in-the-wild spellings to canonical columns.
// The Chinese forms come from the upstream spreadsheet template.
var headerAliases = map[string]string{
	"card_name": colName, "card name": colName, "card": colName, "name": colName,
	"信用卡名稱": colName, "卡片名稱": colName,

	"category": colCategory, "reward_category": colCategory, "reward category": colCategory,
	"類別": colCategory, "回饋類別": colCategory,

	"rate": colRate, "reward_rate": colRate, "reward rate": colRate, "cashback": colRate,
	"回饋": colRate, "回饋比例": colRate, "回饋率": colRate,

	"activation": colActivation, "activation_required": colActivation,
	"activation required": colActivation, "registration": colActivation,
	"需開卡": colActivation, "需註冊": colActivation,

	"valid_until": colValidUntil, "valid until": colValidUntil, "expiry": colValidUntil,
	"expires": colValidUntil, "end_date": colValidUntil,
	"有效期限": colValidUntil, "回饋到期日": colValidUntil,

	"conditions": colConditions, "notes": colConditions, "remark": colConditions,
	"備註": colConditions, "條件": colConditions,

	"issuer": colIssuer, "bank": colIssuer,
	"銀行": colIssuer, "發卡銀行": colIssuer,
}

// noExpiryMarkers are cell values meaning "no end date". 長期 is the
// upstream template's marker.
var noExpiryMarkers = map[string]bool{
	"": true, "none": true, "long-term": true, "long term": true, "長期": true,
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse reads a whole catalog file into card records. A card spanning
// multiple reward categories occupies one row per category; rows sharing a
// card name are merged into a single record. The first invalid row aborts
// with a *MalformedError. Records come back sorted by card name.
func Parse(raw []byte) ([]CardRecord, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)

	rd := csv.NewReader(bytes.NewReader(raw))
	rd.FieldsPerRecord = -1
	rd.TrimLeadingSpace = true

	header, err := rd.Read()
	if err == io.EOF {
		return nil, malformed(1, "", "empty catalog: missing header row")
	}
	if err != nil {
		return nil, malformed(1, "", "unreadable header row: %v", err)
	}
	cols, err := resolveHeader(header)
	if err != nil {
		return nil, err
	}

	records := make(map[string]*CardRecord)
	order := make([]string, 0, 32)

	for line := 2; ; line++ {
		row, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(line, "", "unreadable row: %v", err)
		}
		if blankRow(row) {
			continue
		}
		if err := mergeRow(records, &order, cols, row, line); err != nil {
			return nil, err
		}
	}

	out := make([]CardRecord, 0, len(order))
	for _, name := range order {
		out = append(out, *records[name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// resolveHeader maps canonical column names to field positions.
func resolveHeader(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, string(utf8BOM))))
		canon, ok := headerAliases[key]
		if !ok {
			continue // unknown columns are tolerated
		}
		if prev, dup := cols[canon]; dup {
			return nil, malformed(1, canon, "duplicate column (fields %d and %d)", prev+1, i+1)
		}
		cols[canon] = i
	}
	for _, req := range requiredColumns {
		if _, ok := cols[req]; !ok {
			return nil, malformed(1, req, "required column missing")
		}
	}
	return cols, nil
}

func mergeRow(records map[string]*CardRecord, order *[]string, cols map[string]int, row []string, line int) error {
	field := func(canon string) string {
		i, ok := cols[canon]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	name := field(colName)
	if name == "" {
		return malformed(line, colName, "missing card name")
	}
	category := strings.ToLower(field(colCategory))
	if category == "" {
		return malformed(line, colCategory, "missing category")
	}
	rate, err := parseRate(field(colRate))
	if err != nil {
		return malformed(line, colRate, "%v", err)
	}
	activation, err := parseFlag(field(colActivation))
	if err != nil {
		return malformed(line, colActivation, "%v", err)
	}
	validUntil, err := parseExpiry(field(colValidUntil))
	if err != nil {
		return malformed(line, colValidUntil, "%v", err)
	}
	conditions := field(colConditions)
	issuer := field(colIssuer)

	rec, seen := records[name]
	if !seen {
		records[name] = &CardRecord{
			Name:               name,
			Issuer:             issuer,
			Rates:              map[string]float64{category: rate},
			ActivationRequired: activation,
			ValidUntil:         validUntil,
			Conditions:         conditions,
		}
		*order = append(*order, name)
		return nil
	}

	// Later rows of the same card must agree with the first on the
	// card-level fields; only the category/rate pair may vary.
	if _, dup := rec.Rates[category]; dup {
		return malformed(line, colCategory, "duplicate category %q for card %q", category, name)
	}
	if activation != rec.ActivationRequired {
		return malformed(line, colActivation, "conflicting activation flag for card %q", name)
	}
	if !sameExpiry(rec.ValidUntil, validUntil) {
		return malformed(line, colValidUntil, "conflicting expiry for card %q", name)
	}
	rec.Rates[category] = rate
	if rec.Conditions == "" {
		rec.Conditions = conditions
	}
	if rec.Issuer == "" {
		rec.Issuer = issuer
	}
	return nil
}

// parseRate accepts 3, 3.5, 3%, and 3.5% forms. Rates are percentages and
// must be non-negative.
func parseRate(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing rate")
	}
	trimmed := strings.TrimSpace(strings.TrimSuffix(s, "%"))
	rate, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable rate %q", s)
	}
	if rate < 0 {
		return 0, fmt.Errorf("negative rate %v", rate)
	}
	return rate, nil
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1", "required":
		return true, nil
	case "false", "no", "n", "0", "none":
		return false, nil
	case "":
		return false, fmt.Errorf("missing activation flag")
	default:
		return false, fmt.Errorf("unparsable activation flag %q", s)
	}
}

func parseExpiry(s string) (*time.Time, error) {
	if noExpiryMarkers[strings.ToLower(s)] {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("unparsable expiry date %q (want 2006-01-02)", s)
	}
	return &t, nil
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func blankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
