package store

// Session is one viewing session of a document: who opened it, which
// document backs it, and what the viewer may do with annotations.
type Session struct {
	SessionKey         string `gorm:"column:session_key;primaryKey;size:190;not null"`
	DocumentID         string `gorm:"column:document_id;size:190;not null;index:idx_sessions_document"`
	DocumentPath       string `gorm:"column:document_path;type:text;not null"`
	UserID             string `gorm:"column:user_id;size:190;not null"`
	UserName           string `gorm:"column:user_name;size:190;not null"`
	Permissions        string `gorm:"column:permissions;size:32;not null"`
	AnnotationsEnabled bool   `gorm:"column:annotations_enabled;not null"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "annotation_sessions"
}

// Record stores one annotation of a session. PayloadJSON is the canonical
// wire form; the denormalized columns exist for queries and audits. Deletes
// tombstone the row so the list endpoint can keep reporting removals.
type Record struct {
	SessionKey        string `gorm:"column:session_key;primaryKey;size:190;not null"`
	AnnotationID      string `gorm:"column:annotation_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_annotations_user"`
	UserName          string `gorm:"column:user_name;size:190;not null"`
	Page              int64  `gorm:"column:page;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	Deleted           bool   `gorm:"column:deleted;not null;default:false"`
	DeletedBy         string `gorm:"column:deleted_by;size:190;not null;default:''"`
	DeletedByID       string `gorm:"column:deleted_by_id;size:190;not null;default:''"`
	DeletedAtSeconds  int64  `gorm:"column:deleted_at_s;not null;default:0"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	ModifiedAtSeconds int64  `gorm:"column:modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "session_annotations"
}
