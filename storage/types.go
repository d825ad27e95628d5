package storage

type ConnectionType int

const (
	ConnectionTypeDirect ConnectionType = 0
	ConnectionTypeGroup  ConnectionType = 1
)

type ReadStatus string

const (
	ReadStatusNew  ReadStatus = "new"
	ReadStatusRead ReadStatus = "read"
	ReadStatusSent ReadStatus = "sent"
)

type MessageStatus string

const (
	MessageStatusReceived  MessageStatus = "received"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Connection is the row backing a conversation in the chat list, direct or group.
type Connection struct {
	ChatID            string         `db:"chat_id"`
	Type              ConnectionType `db:"type"`
	RoutingID         string         `db:"routing_id"`
	PairHash          string         `db:"pair_hash"`
	FolderID          string         `db:"folder_id"`
	Name              string         `db:"name"`
	DisplayPic        string         `db:"display_pic"`
	Text              string         `db:"text"`
	RecentContentType string         `db:"recent_content_type"`
	ReadStatus        ReadStatus     `db:"read_status"`
	Timestamp         string         `db:"timestamp"`
	NewMessageCount   int            `db:"new_message_count"`
	LatestMessageID   string         `db:"latest_message_id"`
	Disconnected      bool           `db:"disconnected"`
}

type Line struct {
	ChatID        string `db:"chat_id"`
	LineID        string `db:"line_id"`
	CryptoID      string `db:"crypto_id"`
	PermissionsID string `db:"permissions_id"`
	PortID        string `db:"port_id"`
	Authenticated bool   `db:"authenticated"`
}

type Group struct {
	ChatID        string `db:"chat_id"`
	GroupID       string `db:"group_id"`
	SelfMemberID  string `db:"self_member_id"`
	Name          string `db:"name"`
	Description   string `db:"description"`
	Picture       string `db:"picture"`
	AmAdmin       bool   `db:"am_admin"`
	SelfCryptoID  string `db:"self_crypto_id"`
	PermissionsID string `db:"permissions_id"`
	JoinedAt      string `db:"joined_at"`
}

type GroupMember struct {
	ChatID     string `db:"chat_id"`
	MemberID   string `db:"member_id"`
	PairHash   string `db:"pair_hash"`
	Name       string `db:"name"`
	DisplayPic string `db:"display_pic"`
	IsAdmin    bool   `db:"is_admin"`
	CryptoID   string `db:"crypto_id"`
	PubKeyHash string `db:"public_key_hash"`
	JoinedAt   string `db:"joined_at"`
	Deleted    bool   `db:"deleted"`
}

// CryptoRow is the persisted form of a session. Any field may be empty depending on how far the
// owning handshake has progressed.
type CryptoRow struct {
	ID                string `db:"id"`
	PrivateKey        []byte `db:"private_key"`
	PublicKey         []byte `db:"public_key"`
	PeerPublicKey     []byte `db:"peer_public_key"`
	PeerPublicKeyHash string `db:"peer_public_key_hash"`
	SharedSecret      []byte `db:"shared_secret"`
	Nonce             string `db:"nonce"`
	Rad               string `db:"rad"`
}

type Message struct {
	ChatID         string        `db:"chat_id"`
	MessageID      string        `db:"message_id"`
	MemberID       string        `db:"member_id"`
	Sender         bool          `db:"sender"`
	ContentType    string        `db:"content_type"`
	Data           string        `db:"data"`
	ReplyID        string        `db:"reply_id"`
	Timestamp      string        `db:"timestamp"`
	ExpiresOn      int64         `db:"expires_on"`
	Status         MessageStatus `db:"status"`
	Edited         bool          `db:"edited"`
	Deleted        bool          `db:"deleted"`
	ShouldDownload bool          `db:"should_download"`
}

type Reaction struct {
	ChatID    string `db:"chat_id"`
	MessageID string `db:"message_id"`
	MemberID  string `db:"member_id"`
	Reaction  string `db:"reaction"`
	Timestamp string `db:"timestamp"`
}

type Permissions struct {
	ID                   string `db:"id"`
	Notifications        bool   `db:"notifications"`
	AutoDownload         bool   `db:"auto_download"`
	DisplayPicture       bool   `db:"display_picture"`
	ReadReceipts         bool   `db:"read_receipts"`
	ContactSharing       bool   `db:"contact_sharing"`
	DisappearingMessages int64  `db:"disappearing_messages"`
}

func DefaultPermissions(id string) *Permissions {
	return &Permissions{
		ID:             id,
		Notifications:  true,
		AutoDownload:   true,
		DisplayPicture: true,
		ReadReceipts:   true,
		ContactSharing: true,
	}
}

// Port is a generated invitation. A superport may be used by any number of readers; a plain port once.
type Port struct {
	PortID        string `db:"port_id"`
	Version       string `db:"version"`
	Label         string `db:"label"`
	CryptoID      string `db:"crypto_id"`
	PermissionsID string `db:"permissions_id"`
	FolderID      string `db:"folder_id"`
	ExpiresAt     int64  `db:"expires_at"`
	Superport     bool   `db:"superport"`
	// PairHash is the pair a chat over this port is keyed by. Empty until the port is first used.
	PairHash string `db:"pair_hash"`
}

type Contact struct {
	PairHash    string `db:"pair_hash"`
	Name        string `db:"name"`
	DisplayPic  string `db:"display_pic"`
	ConnectedOn string `db:"connected_on"`
}

type Profile struct {
	ID         int    `db:"id"`
	Name       string `db:"name"`
	DisplayPic string `db:"display_pic"`
}
