package envelope

import (
	"encoding/json"
	"strings"
)

type ContentType string

const (
	Text                        ContentType = "text"
	Name                        ContentType = "name"
	Image                       ContentType = "image"
	Video                       ContentType = "video"
	File                        ContentType = "file"
	Link                        ContentType = "link"
	AudioRecording              ContentType = "audioRecording"
	DisplayAvatar               ContentType = "displayAvatar"
	DisplayImage                ContentType = "displayImage"
	HandshakeA1                 ContentType = "handshakeA1"
	HandshakeB2                 ContentType = "handshakeB2"
	InitialInfoRequest          ContentType = "initialInfoRequest"
	ContactBundleRequest        ContentType = "contactBundleRequest"
	ContactBundleResponse       ContentType = "contactBundleResponse"
	ContactBundleDenialResponse ContentType = "contactBundleDenialResponse"
	ContactBundle               ContentType = "contactBundle"
	Reaction                    ContentType = "reaction"
	EditedMessage               ContentType = "editedMessage"
	Deleted                     ContentType = "deleted"
	DisappearingMessages        ContentType = "disappearingMessages"
	Receipt                     ContentType = "receipt"
	GroupAvatar                 ContentType = "groupAvatar"
	GroupPicture                ContentType = "groupPicture"
	GroupName                   ContentType = "groupName"
	GroupDescription            ContentType = "groupDescription"
	GroupInitialMemberInfo      ContentType = "groupInitialMemberInfo"
	Info                        ContentType = "info"
)

// IsHandshake reports whether ct may travel unencrypted, before a shared secret exists.
func (ct ContentType) IsHandshake() bool {
	return ct == HandshakeA1 || ct == HandshakeB2
}

// IsMedia reports whether ct refers to a blob that has to be downloaded separately.
func (ct ContentType) IsMedia() bool {
	switch ct {
	case Image, Video, File, AudioRecording:
		return true
	}
	return false
}

type TextData struct {
	Text string `json:"text"`
}

type NameData struct {
	Name string `json:"name"`
}

type MediaData struct {
	MediaID  string `json:"mediaId"`
	Key      string `json:"key"`
	FileName string `json:"fileName,omitempty"`
	FileType string `json:"fileType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	Text     string `json:"text,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type LinkPreview struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

type LinkData struct {
	Text    string       `json:"text"`
	URL     string       `json:"url,omitempty"`
	Preview *LinkPreview `json:"preview,omitempty"`
}

// FirstURL is the URL to preview: the explicit one, or the first http(s) token of the text.
func (l *LinkData) FirstURL() string {
	if l.URL != "" {
		return l.URL
	}
	for _, f := range strings.Fields(l.Text) {
		if strings.HasPrefix(f, "https://") || strings.HasPrefix(f, "http://") {
			return f
		}
	}
	return ""
}

type AvatarData struct {
	Avatar string `json:"avatar"`
}

type PictureData struct {
	MediaID string `json:"mediaId"`
	Key     string `json:"key"`
	FileURI string `json:"fileUri,omitempty"`
}

type HandshakeA1Data struct {
	PubKey []byte `json:"pubKey"`
}

type HandshakeB2Data struct {
	PubKey         []byte `json:"pubKey"`
	EncryptedNonce string `json:"encryptedNonce"`
}

// PortBundle is what a port generator shares, usually as a QR code, so a reader can open a line.
type PortBundle struct {
	PortID     string `json:"portId"`
	Version    string `json:"version"`
	PubKeyHash string `json:"pubkeyHash"`
	Nonce      string `json:"nonce"`
	Rad        string `json:"rad"`
	Label      string `json:"label,omitempty"`
	Superport  bool   `json:"superport,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
}

type ContactBundleData struct {
	Bundle *PortBundle `json:"bundle"`
	Name   string      `json:"name,omitempty"`
}

type ReactionData struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type EditData struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type DeletionData struct {
	MessageID string `json:"messageId"`
}

type DisappearingData struct {
	TimeoutSeconds int64 `json:"timeoutSeconds"`
}

type ReceiptData struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type GroupNameData struct {
	Name string `json:"groupName"`
}

type GroupDescriptionData struct {
	Description string `json:"groupDescription"`
}

type InitialMemberInfoData struct {
	Name       string `json:"name"`
	DisplayPic string `json:"displayPic,omitempty"`
}

type InfoData struct {
	Text string `json:"info"`
}

// NewMember announces a member joining a group, with the public key their pairwise sessions derive from.
type NewMember struct {
	MemberID string `json:"memberId"`
	PubKey   []byte `json:"pubKey"`
	PairHash string `json:"pairHash,omitempty"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
	JoinedAt string `json:"joinedAt,omitempty"`
}

// Control is unencrypted group content written by the server to report roster changes.
type Control struct {
	NewMember        *NewMember `json:"newMember,omitempty"`
	RemovedMember    string     `json:"removedMember,omitempty"`
	MemberLeft       string     `json:"memberLeft,omitempty"`
	RemovedFromGroup Flag       `json:"removedFromGroup,omitempty"`
	Promotion        Flag       `json:"promotion,omitempty"`
	Demotion         Flag       `json:"demotion,omitempty"`
	PromotedMember   string     `json:"promotedMember,omitempty"`
	DemotedMember    string     `json:"demotedMember,omitempty"`
}

// ParseControl returns the control block in content, if content is a JSON object carrying one.
// Encrypted content is base64 and never parses.
func ParseControl(content string) (*Control, bool) {
	if !strings.HasPrefix(strings.TrimSpace(content), "{") {
		return nil, false
	}
	c := &Control{}
	if err := json.Unmarshal([]byte(content), c); err != nil {
		return nil, false
	}
	if c.NewMember == nil && c.RemovedMember == "" && c.MemberLeft == "" && !bool(c.RemovedFromGroup) &&
		!bool(c.Promotion) && !bool(c.Demotion) && c.PromotedMember == "" && c.DemotedMember == "" {
		return nil, false
	}
	return c, true
}
