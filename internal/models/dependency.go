package models

type ForeignKey struct {
	TableName            string `json:"table_name"`
	ColumnName           string `json:"column_name"`
	ReferencedTableName  string `json:"referenced_table_name"`
	ReferencedColumnName string `json:"referenced_column_name"`
	ConstraintName       string `json:"constraint_name"`
}

// Edge says that rows of Dependent hold a foreign key into Referenced.
type Edge struct {
	Dependent  string `json:"dependent" yaml:"dependent"`
	Referenced string `json:"referenced" yaml:"referenced"`
}

func (e Edge) IsSelf() bool {
	return e.Dependent == e.Referenced
}

// SelfReference describes a column pointing at another row of the same table.
type SelfReference struct {
	Table  string `json:"table" yaml:"table"`
	Column string `json:"column" yaml:"column"`
	Key    string `json:"key" yaml:"key"`
}

type TableDependency struct {
	TableName string   `json:"table_name"`
	DependsOn []string `json:"depends_on"` // Tables that must be loaded first
	Level     int      `json:"level"`      // Depth level in dependency tree
	Position  int      `json:"position"`   // Index in the final order
	SelfRef   bool     `json:"self_ref"`   // Loaded in two passes
}
