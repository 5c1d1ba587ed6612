package warehouse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

var identPart = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// QuoteIdent validates a table name, optionally schema qualified, and
// returns it quoted.
func QuoteIdent(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Wrap(ErrInvalidIdentifier, "empty name")
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", errors.Wrapf(ErrInvalidIdentifier, "%q", name)
	}
	for _, p := range parts {
		if !identPart.MatchString(p) {
			return "", errors.Wrapf(ErrInvalidIdentifier, "%q", name)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

// DeleteAll clears a table. DELETE is used rather than TRUNCATE because
// Redshift commits TRUNCATE implicitly, which would break InTx.
func DeleteAll(table string) (string, error) {
	ident, err := QuoteIdent(table)
	if err != nil {
		return "", err
	}
	return "DELETE FROM " + ident, nil
}

// InsertSelect appends the rows produced by selectSQL to table.
func InsertSelect(table, selectSQL string) (string, error) {
	ident, err := QuoteIdent(table)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(selectSQL)
	if body == "" {
		return "", errors.Errorf("empty insert query for %s", table)
	}
	return "INSERT INTO " + ident + " " + body, nil
}

// CreateTable creates table with the given column definitions unless it
// already exists.
func CreateTable(table string, columns ...string) (string, error) {
	ident, err := QuoteIdent(table)
	if err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", errors.Errorf("no columns for %s", table)
	}
	return "CREATE TABLE IF NOT EXISTS " + ident + " (\n\t" + strings.Join(columns, ",\n\t") + "\n)", nil
}

// CountRows counts the rows of table.
func CountRows(table string) (string, error) {
	ident, err := QuoteIdent(table)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) FROM " + ident, nil
}

// CopySQL renders the Redshift COPY statement for cmd.
func CopySQL(cmd CopyCommand) (string, error) {
	return copySQL(cmd, false)
}

// RedactedCopySQL renders cmd with the credential values masked, for logs
// and error messages.
func RedactedCopySQL(cmd CopyCommand) string {
	s, err := copySQL(cmd, true)
	if err != nil {
		return fmt.Sprintf("COPY %s FROM '%s' (invalid: %v)", cmd.Table, cmd.Source, err)
	}
	return s
}

func copySQL(cmd CopyCommand, redact bool) (string, error) {
	ident, err := QuoteIdent(cmd.Table)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cmd.Source) == "" {
		return "", errors.Errorf("empty copy source for %s", cmd.Table)
	}
	if !cmd.Credentials.Valid() {
		return "", errors.Errorf("missing credentials for copy into %s", cmd.Table)
	}
	format := cmd.JSONFormat
	if format == "" {
		format = DefaultJSONFormat
	}
	secret := func(v string) string {
		if redact {
			return quoteLiteral("***")
		}
		return quoteLiteral(v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s\nFROM %s\n", ident, quoteLiteral(cmd.Source))
	fmt.Fprintf(&b, "ACCESS_KEY_ID %s\n", secret(cmd.Credentials.AccessKeyID))
	fmt.Fprintf(&b, "SECRET_ACCESS_KEY %s\n", secret(cmd.Credentials.SecretAccessKey))
	if cmd.Credentials.SessionToken != "" {
		fmt.Fprintf(&b, "SESSION_TOKEN %s\n", secret(cmd.Credentials.SessionToken))
	}
	if cmd.Region != "" {
		fmt.Fprintf(&b, "REGION %s\n", quoteLiteral(cmd.Region))
	}
	fmt.Fprintf(&b, "JSON %s", quoteLiteral(format))
	return b.String(), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
