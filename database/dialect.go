package database

import (
	"strconv"
	"strings"
)

// Dialect SQL flavour of a connected database
type Dialect string

const (
	MySQL     Dialect = "mysql"
	Postgres  Dialect = "postgres"
	Snowflake Dialect = "snowflake"
)

// ParseDialect dialect of a configured database type, mysql when unknown
func ParseDialect(dbType string) Dialect {
	switch strings.ToLower(dbType) {
	case "postgres", "postgresql":
		return Postgres
	case "snowflake":
		return Snowflake
	}
	return MySQL
}

// Rebind rewrites '?' placeholders to the dialect's bind syntax
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 10)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// SupportsLastInsertId whether generated keys are reported through sql.Result
func (d Dialect) SupportsLastInsertId() bool {
	return d == MySQL
}
