package mqtt

import (
	"fmt"
	"strings"
)

// TopicSystemStatus carries the console's retained online/offline status.
const TopicSystemStatus = "console/system/status"

// DefaultChangePrefix is the change-feed prefix used when none is configured.
const DefaultChangePrefix = "console/changes"

// Topics builds change-feed topics under Prefix.
//
//	topics := mqtt.Topics{Prefix: "console/changes"}
//	topics.Table("public", "productos")
//	// Returns: "console/changes/public/productos"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultChangePrefix
	}
	return strings.TrimRight(t.Prefix, "/")
}

// Table returns the topic carrying changes of schema.table.
func (t Topics) Table(schema, table string) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), schema, table)
}

// Schema returns a wildcard topic for every table of schema.
func (t Topics) Schema(schema string) string {
	return fmt.Sprintf("%s/%s/+", t.prefix(), schema)
}

// All returns a wildcard topic for every change under the prefix.
func (t Topics) All() string {
	return t.prefix() + "/#"
}

// ParseTable extracts schema and table from a topic built by Table.
func (t Topics) ParseTable(topic string) (schema, table string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/")
	if !found {
		return "", "", false
	}
	schema, table, found = strings.Cut(rest, "/")
	if !found || schema == "" || table == "" || strings.Contains(table, "/") {
		return "", "", false
	}
	return schema, table, true
}

// ValidSegment reports whether s can be used as one topic level: not
// empty and free of separators and wildcards.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}
