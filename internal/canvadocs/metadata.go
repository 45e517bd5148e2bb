package canvadocs

// Permissions enumerates the annotation capability levels a session grants.
type Permissions string

const (
	// PermissionsNone means the session metadata carried no annotation block.
	PermissionsNone Permissions = ""
	// PermissionsRead allows viewing existing annotations only.
	PermissionsRead Permissions = "read"
	// PermissionsReadWrite allows editing the caller's own annotations.
	PermissionsReadWrite Permissions = "readwrite"
	// PermissionsReadWriteManage additionally allows managing others'
	// annotations.
	PermissionsReadWriteManage Permissions = "readwritemanage"
)

// AnnotationSettings is the per-session annotation policy block.
type AnnotationSettings struct {
	Enabled     bool
	UserID      string
	UserName    string
	Permissions Permissions
}

// CanEdit reports whether the session user may modify an annotation owned by
// ownerID.
func (s AnnotationSettings) CanEdit(ownerID string) bool {
	switch s.Permissions {
	case PermissionsReadWriteManage:
		return true
	case PermissionsReadWrite:
		return ownerID == s.UserID
	default:
		return false
	}
}

// PushChannel describes the realtime annotation feed advertised by the
// session metadata.
type PushChannel struct {
	Host    string
	Channel string
	Token   string
}

// SessionMetadata is the composed result of the session metadata fetch. It
// is fetched once per viewing session and immutable afterwards.
type SessionMetadata struct {
	PDFDownloadURL string
	Annotations    AnnotationSettings
	Push           *PushChannel
}

// wireMetadata mirrors the metadata endpoint's JSON shape.
type wireMetadata struct {
	URLs struct {
		PDFDownload string `json:"pdf_download"`
	} `json:"urls"`
	Annotations *struct {
		Enabled     bool   `json:"enabled"`
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
		Permissions string `json:"permissions"`
	} `json:"annotations"`
	PandaPush *struct {
		Host               string `json:"host"`
		AnnotationsChannel string `json:"annotations_channel"`
		AnnotationsToken   string `json:"annotations_token"`
	} `json:"panda_push"`
}

func parsePermissions(raw string) Permissions {
	switch Permissions(raw) {
	case PermissionsRead, PermissionsReadWrite, PermissionsReadWriteManage:
		return Permissions(raw)
	default:
		return PermissionsRead
	}
}
