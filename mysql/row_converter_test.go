package mysql

import (
	"regexp"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regexpSlice(vs ...string) []*regexp.Regexp {
	sl := make([]*regexp.Regexp, len(vs))

	for i := range vs {
		sl[i] = regexp.MustCompile(vs[i])
	}

	return sl
}

func converter() *RowConverter {
	return NewRowConverter(RowConverterConfig{
		AnonymizeFields:     regexpSlice(".*(password|email|address).*"),
		SkipAnonymizeFields: regexpSlice(".*(password)_type$"),
		YamlColumns:         regexpSlice("test_table.yaml_column"),
	})
}

func varchar(name string) Column {
	return Column{Name: name, Type: mysql.MYSQL_TYPE_VARCHAR}
}

func TestParseValueUint8Array(t *testing.T) {
	c := converter()
	outValue := "test string"

	parsedValue, err := c.ParseValue([]uint8(outValue), varchar("column"), "table")
	require.NoError(t, err)
	assert.Equal(t, outValue, parsedValue)
}

func TestParseValueKeepsBinaryColumns(t *testing.T) {
	c := converter()
	in := []byte{0x00, 0xff, 0x10}

	parsedValue, err := c.ParseValue(in, Column{Name: "digest", Type: mysql.MYSQL_TYPE_BLOB, Binary: true}, "table")
	require.NoError(t, err)
	assert.Equal(t, in, parsedValue)
}

func TestParseDateTime(t *testing.T) {
	c := converter()

	outValue := time.Date(2023, 1, 2, 15, 4, 5, 0, time.UTC)
	inValue := outValue.Format("2006-01-02 15:04:05")

	parsedValue, err := c.ParseValue(inValue, Column{Name: "created_at", Type: mysql.MYSQL_TYPE_DATETIME2}, "table")
	require.NoError(t, err)
	assert.Equal(t, outValue, parsedValue)
}

func TestParseDateTimeWithFraction(t *testing.T) {
	c := converter()

	parsedValue, err := c.ParseValue("2023-01-02 15:04:05.250", Column{Name: "created_at", Type: mysql.MYSQL_TYPE_DATETIME2}, "table")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 2, 15, 4, 5, 250000000, time.UTC), parsedValue)
}

func TestParseDate(t *testing.T) {
	c := converter()

	parsedValue, err := c.ParseValue("2023-01-02", Column{Name: "day", Type: mysql.MYSQL_TYPE_DATE}, "table")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), parsedValue)
}

func TestZeroDateIsNull(t *testing.T) {
	c := converter()

	parsedValue, err := c.ParseValue("0000-00-00 00:00:00", Column{Name: "created_at", Type: mysql.MYSQL_TYPE_DATETIME}, "table")
	require.NoError(t, err)
	assert.Nil(t, parsedValue)
}

func TestConvertDecimal(t *testing.T) {
	c := converter()
	col := Column{Name: "num", Type: mysql.MYSQL_TYPE_NEWDECIMAL}

	out, err := c.ParseValue("10.21", col, "some_table")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.21").Equal(out.(decimal.Decimal)))

	out, err = c.ParseValue(decimal.RequireFromString("3.50"), col, "some_table")
	require.NoError(t, err)
	assert.Equal(t, "3.5", out.(decimal.Decimal).String())

	_, err = c.ParseValue("not a number", col, "some_table")
	assert.Error(t, err)
}

func TestConvertJSONColumn(t *testing.T) {
	c := converter()

	out, err := c.ParseValue([]byte(`{"tags":["a","b"],"owner":{"email":"max@test.com"}}`), Column{Name: "meta", Type: mysql.MYSQL_TYPE_JSON}, "some_table")
	require.NoError(t, err)

	doc := out.(map[string]interface{})
	assert.Equal(t, []interface{}{"a", "b"}, doc["tags"])
	assert.NotEqual(t, "max@test.com", doc["owner"].(map[string]interface{})["email"], "expected nested email to be anonymized")
}

func TestParseBadYaml(t *testing.T) {
	c := converter()

	out, err := c.ParseValue("key: [unterminated", varchar("yaml_column"), "test_table")
	require.NoError(t, err)

	doc := out.(map[string]interface{})
	assert.Equal(t, "key: [unterminated", doc["rawYaml"])
	assert.NotEmpty(t, doc["errorParsingYaml"])
}

func TestParseConvertAndAnonymizeYaml(t *testing.T) {
	c := converter()

	password := "test"
	email := "max@test.com"
	firstName := "max"

	input := struct {
		Password  string
		Email     string
		Firstname string `yaml:":firstname"`
	}{password, email, firstName}

	yamlString, err := yaml.Marshal(input)
	require.NoError(t, err)

	out, err := c.ParseValue(string(yamlString), varchar("yaml_column"), "test_table")
	require.NoError(t, err)

	doc := out.(map[string]interface{})
	assert.NotEqual(t, password, doc["password"])
	assert.NotEqual(t, email, doc["email"])
	assert.Equal(t, firstName, doc["firstname"])
}

func TestParseRubyHashYaml(t *testing.T) {
	c := converter()

	yamlString := `--- !ruby/hash:ActiveSupport::HashWithIndifferentAccess
:firstname: "Mr"
:last: "Person"
`

	out, err := c.ParseValue(yamlString, varchar("yaml_column"), "test_table")
	require.NoError(t, err)

	doc := out.(map[string]interface{})
	assert.Equal(t, "Mr", doc["firstname"])
	assert.Equal(t, "Person", doc["last"])
}

func TestAnonymizeStringValue(t *testing.T) {
	c := converter()
	password := "test"

	out, err := c.ParseValue(password, varchar("password"), "some_table")
	require.NoError(t, err)
	assert.NotEqual(t, password, out, "expected password string to be anonymized")

	again, err := c.ParseValue(password, varchar("password"), "other_table")
	require.NoError(t, err)
	assert.Equal(t, out, again, "expected hashing to be stable")
}

func TestSkipAnonymizeStringValue(t *testing.T) {
	c := converter()
	password := "test"

	out, err := c.ParseValue(password, varchar("password_type"), "some_table")
	require.NoError(t, err)
	assert.Equal(t, password, out, "expected password string not to be anonymized")
}

func TestAnonymizeByteSlice(t *testing.T) {
	c := converter()
	password := []byte("test")

	out, err := c.ParseValue(password, varchar("password"), "some_table")
	require.NoError(t, err)
	assert.NotEqual(t, string(password), out, "expected password byte slice to be anonymized")
}

func TestConvertRow(t *testing.T) {
	c := converter()
	columns := []Column{
		{Name: "id", Type: mysql.MYSQL_TYPE_LONG},
		varchar("name"),
		{Name: "description", Type: mysql.MYSQL_TYPE_BLOB},
		{Name: "updated_at", Type: mysql.MYSQL_TYPE_DATETIME},
		varchar("nickname"),
	}

	row, err := c.ConvertRow("test_table", columns, []interface{}{int32(12), "asdf", []byte("pretty cool"), "2022-10-01 01:02:03", nil})
	require.NoError(t, err)

	assert.Equal(t, int32(12), row["id"])
	assert.Equal(t, "asdf", row["name"])
	assert.Equal(t, "pretty cool", row["description"])
	assert.Equal(t, time.Date(2022, 10, 1, 1, 2, 3, 0, time.UTC), row["updated_at"])
	assert.Contains(t, row, "nickname")
	assert.Nil(t, row["nickname"])
}

func TestConvertRowWithMoreValuesThanColumns(t *testing.T) {
	c := converter()

	_, err := c.ConvertRow("test_table", []Column{varchar("id")}, []interface{}{1, 2})
	assert.Error(t, err)
}

func TestEventWithYaml(t *testing.T) {
	c := converter()

	yamlString := `
---
id: pi_3LhGn1BxWYA6NAEc1iTUZmn1
object: payment_intent
amount_received: 3800
charges:
  object: list
  data:
  - id: ch_3LhGn1BxWYA6NAEc1m0S5sWZ
    object: charge
    amount: 3800
    billing_details:
      address:
        city: Newport
        country: GB
        line1: 2 Rose Cottages
        line2: Loverstone Lane
        postal_code: PO30 3EL
      email:
      name: Lauren Whitehouse
    captured: true
    refunds:
      object: list
      data: []
      has_more: false
  has_more: false
  total_count: 1
currency: gbp
payment_method_types:
- card
shipping:
  address:
    city: Newport
    line1: 2 Car House
  name: Lauren Whitehouse
`

	columns := []Column{
		{Name: "id", Type: mysql.MYSQL_TYPE_LONG},
		{Name: "yaml_column", Type: mysql.MYSQL_TYPE_BLOB},
	}

	row, err := c.ConvertRow("test_table", columns, []interface{}{12, []byte(yamlString)})
	require.NoError(t, err)
	assert.Equal(t, 12, row["id"])

	doc, ok := row["yaml_column"].(map[string]interface{})
	require.True(t, ok, "expected yaml column to be parsed into a document")
	assert.Equal(t, "payment_intent", doc["object"])

	encoded, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "2 Rose Cottages", "expected nested address to be anonymized")
	assert.NotContains(t, string(encoded), "2 Car House", "expected nested address to be anonymized")
	assert.Contains(t, string(encoded), "Lauren Whitehouse")
}

func BenchmarkParseConvertAndAnonymizeYaml(b *testing.B) {
	c := converter()

	input := struct {
		Password  string
		Email     string
		Firstname string `yaml:":firstname"`
	}{"test", "max@test.com", "max"}

	yamlString, err := yaml.Marshal(input)
	if err != nil {
		b.Error(err)
	}

	col := varchar("yaml_column")
	for n := 0; n < b.N; n++ {
		_, _ = c.ParseValue(string(yamlString), col, "test_table")
	}
}

func BenchmarkIsAnonymizedField(b *testing.B) {
	c := converter()

	for n := 0; n < b.N; n++ {
		c.isAnonymized("email", "yes")
	}
}
