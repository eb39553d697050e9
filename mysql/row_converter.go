package mysql

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/zeroalloc"

	"github.com/go-faster/city"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/siddontang/go-log/log"
)

const MysqlDateFormat = "2006-01-02"

// Column describes one column of a binlog row.
type Column struct {
	Name string
	// one of the MYSQL_TYPE_* constants from go-mysql/mysql/const.go
	Type byte
	// binary/blob columns keep their []byte values, other byte values are text
	Binary bool
}

type RowConverterConfig struct {
	AnonymizeFields     []*regexp.Regexp
	SkipAnonymizeFields []*regexp.Regexp
	YamlColumns         []*regexp.Regexp
}

// RowConverter turns raw binlog row values into document values:
// times become time.Time, decimals decimal.Decimal, JSON and YAML columns
// nested values, and anonymized fields a CityHash64 of their content.
type RowConverter struct {
	anonymize     *matchers
	skipAnonymize *matchers
	yamlColumns   *matchers
}

func NewRowConverter(cfg RowConverterConfig) *RowConverter {
	return &RowConverter{
		anonymize:     newMatchers(cfg.AnonymizeFields),
		skipAnonymize: newMatchers(cfg.SkipAnonymizeFields),
		yamlColumns:   newMatchers(cfg.YamlColumns),
	}
}

func (c *RowConverter) ConvertRow(table string, columns []Column, values []interface{}) (changelog.Row, error) {
	if len(values) > len(columns) {
		return nil, errors.Errorf("row of %s has %d values but only %d known columns", table, len(values), len(columns))
	}

	row := make(changelog.Row, len(values))

	for i, v := range values {
		col := columns[i]

		converted, err := c.ParseValue(v, col, table)
		if err != nil {
			return nil, errors.Wrapf(err, "converting %s.%s", table, col.Name)
		}

		row[col.Name] = converted
	}

	return row, nil
}

func (c *RowConverter) ParseValue(value interface{}, col Column, table string) (interface{}, error) {
	value, err := convertMysqlColumnType(value, col)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case []byte:
		if col.Binary {
			return v, nil
		}
		return c.parseString(string(v), table, col.Name), nil
	case string:
		return c.parseString(v, table, col.Name), nil
	default:
		return c.anonymizeValue(value, table, col.Name), nil
	}
}

func (c *RowConverter) parseString(value string, table, column string) interface{} {
	if !c.yamlColumns.MatchAny(fieldString(table, column)) {
		return c.anonymizeValue(value, table, column)
	}

	y := make(map[string]interface{})

	if err := yaml.Unmarshal([]byte(value), &y); err != nil {
		log.Errorf("parsing yaml column %s.%s: %v", table, column, err)
		return map[string]interface{}{
			"rawYaml":          value,
			"errorParsingYaml": err.Error(),
		}
	}

	out := make(map[string]interface{}, len(y))
	for k, v := range y {
		out[stripLeadingColon(k)] = c.anonymizeValue(v, table, fieldString(column, stripLeadingColon(k)))
	}

	return out
}

func convertMysqlColumnType(value interface{}, col Column) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch col.Type {
	case mysql.MYSQL_TYPE_TIMESTAMP, mysql.MYSQL_TYPE_DATETIME,
		mysql.MYSQL_TYPE_TIMESTAMP2, mysql.MYSQL_TYPE_DATETIME2:
		return parseTime(value, mysql.TimeFormat)
	case mysql.MYSQL_TYPE_DATE, mysql.MYSQL_TYPE_NEWDATE:
		return parseTime(value, MysqlDateFormat)
	case mysql.MYSQL_TYPE_DECIMAL, mysql.MYSQL_TYPE_NEWDECIMAL:
		switch v := value.(type) {
		case decimal.Decimal:
			return v, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return decimal.NewFromString(fmt.Sprint(value))
		}
	case mysql.MYSQL_TYPE_JSON:
		var raw []byte
		switch v := value.(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			return value, nil
		}

		if len(raw) == 0 {
			return nil, nil
		}

		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, errors.Wrap(err, "decoding json column")
		}
		return out, nil
	default:
		return value, nil
	}
}

// zero dates have no time.Time equivalent and are stored as null
func parseTime(value interface{}, layout string) (interface{}, error) {
	if t, ok := value.(time.Time); ok {
		return t.UTC(), nil
	}

	vs := fmt.Sprint(value)
	if len(vs) == 0 {
		return value, nil
	}

	if strings.HasPrefix(vs, "0000-00-00") {
		return nil, nil
	}

	return time.ParseInLocation(layout, vs, time.UTC)
}

func fieldString(table string, columnPath string) string {
	b := strings.Builder{}
	b.Grow(len(table) + len(columnPath) + 1)
	b.WriteString(table)
	b.WriteString(".")
	b.WriteString(columnPath)
	return b.String()
}

// sanitize ruby symbol yaml keys
func stripLeadingColon(s string) string {
	if strings.HasPrefix(s, ":") {
		return s[1:]
	}
	return s
}

func hashString(s []byte) string {
	return strconv.FormatUint(city.CH64(s), 10)
}

// Only string values are anonymized; maps and slices are walked so nested
// fields match as table.column.key.subkey.
func (c *RowConverter) anonymizeValue(value interface{}, table string, columnPath string) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, subv := range v {
			key := stripLeadingColon(k)
			out[key] = c.anonymizeValue(subv, table, fieldString(columnPath, key))
		}
		return out
	case []interface{}:
		for i := range v {
			v[i] = c.anonymizeValue(v[i], table, fieldString(columnPath, strconv.Itoa(i)))
		}
		return v
	case string:
		if c.isAnonymized(table, columnPath) {
			return hashString(zeroalloc.StringToByteSlice(v))
		}
	case []byte:
		if c.isAnonymized(table, columnPath) {
			return hashString(v)
		}
	}

	return value
}

func (c *RowConverter) isAnonymized(table, columnPath string) bool {
	field := fieldString(table, columnPath)
	return !c.skipAnonymize.MatchAny(field) && c.anonymize.MatchAny(field)
}
