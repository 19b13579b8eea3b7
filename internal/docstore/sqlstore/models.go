package sqlstore

// DatabaseRecord registers a named database.
type DatabaseRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DatabaseRecord) TableName() string {
	return "docstore_databases"
}

// DocumentRecord stores the latest revision of a document. Deleted documents
// remain as tombstones so that revision generations keep increasing.
type DocumentRecord struct {
	Database         string `gorm:"column:database_name;primaryKey;size:190;not null"`
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Generation       int64  `gorm:"column:generation;not null"`
	Rev              string `gorm:"column:rev;size:64;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	MD5Sum           string `gorm:"column:md5sum;size:32;not null"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "docstore_documents"
}

// AttachmentRecord stores one named binary part of a document.
type AttachmentRecord struct {
	Database    string `gorm:"column:database_name;primaryKey;size:190;not null"`
	DocID       string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;primaryKey;size:255;not null"`
	ContentType string `gorm:"column:content_type;size:255;not null"`
	Length      int64  `gorm:"column:length;not null"`
	Digest      string `gorm:"column:digest;size:64;not null;default:''"`
	RevPos      int64  `gorm:"column:rev_pos;not null"`
	Data        []byte `gorm:"column:data;type:blob;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AttachmentRecord) TableName() string {
	return "docstore_attachments"
}

// DesignRecord stores the published views of one design document.
type DesignRecord struct {
	Database   string `gorm:"column:database_name;primaryKey;size:190;not null"`
	Name       string `gorm:"column:name;primaryKey;size:190;not null"`
	Definition string `gorm:"column:definition;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DesignRecord) TableName() string {
	return "docstore_designs"
}

// ViewRowRecord is one emitted row of a view index. SortKey is the collation
// encoding of the key, so that byte order equals view order.
type ViewRowRecord struct {
	RowID     int64  `gorm:"column:row_id;primaryKey;autoIncrement"`
	Database  string `gorm:"column:database_name;size:190;not null;index:idx_view_rows_lookup,priority:1;index:idx_view_rows_doc,priority:1"`
	Design    string `gorm:"column:design;size:190;not null;index:idx_view_rows_lookup,priority:2"`
	View      string `gorm:"column:view;size:190;not null;index:idx_view_rows_lookup,priority:3"`
	SortKey   []byte `gorm:"column:sort_key;type:blob;not null;index:idx_view_rows_lookup,priority:4"`
	DocID     string `gorm:"column:doc_id;size:190;not null;index:idx_view_rows_doc,priority:2"`
	KeyJSON   string `gorm:"column:key_json;type:text;not null"`
	ValueJSON string `gorm:"column:value_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ViewRowRecord) TableName() string {
	return "docstore_view_rows"
}

// Models lists every table the store needs, in migration order.
func Models() []any {
	return []any{
		&DatabaseRecord{},
		&DocumentRecord{},
		&AttachmentRecord{},
		&DesignRecord{},
		&ViewRowRecord{},
	}
}
