// Package model defines domain entities shared by the courier client components.
package model

import (
	"time"
)

// VehicleType is the kind of vehicle a driver operates.
type VehicleType string

const (
	VehicleMoto         VehicleType = "moto"
	VehicleVoiture      VehicleType = "voiture"
	VehicleFourgonnette VehicleType = "fourgonnette"
	VehicleTricycle     VehicleType = "tricycle"
)

// Valid reports whether v is one of the known vehicle types.
func (v VehicleType) Valid() bool {
	switch v {
	case VehicleMoto, VehicleVoiture, VehicleFourgonnette, VehicleTricycle:
		return true
	}
	return false
}

// DriverProfile is the courier-facing part of the signed-in user.
type DriverProfile struct {
	ID                     string      `json:"id"`
	Nom                    string      `json:"nom"`
	Telephone              string      `json:"telephone"`
	NiveauEtoile           float64     `json:"niveauEtoile"`
	TypeVehicule           VehicleType `json:"typeVehicule"`
	TotalCoursesCompletees int         `json:"totalCoursesCompletees"`
	CoursesPayees          int         `json:"coursesPayees"`
}

// AuthUser is the signed-in actor.
type AuthUser struct {
	ID        string        `json:"id"`
	Telephone string        `json:"telephone"`
	Livreur   DriverProfile `json:"livreur"`
}

// AuthTokens is the credential pair. ExpiresAt is kept as the RFC3339 string
// received from the server or storage so an unparsable value survives until checked.
type AuthTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

// AuthSession is the live credential bundle.
type AuthSession struct {
	Tokens AuthTokens `json:"tokens"`
	User   AuthUser   `json:"user"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *AuthSession) Clone() *AuthSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// InvalidationReason says why a session was destroyed.
type InvalidationReason string

const (
	ReasonRefreshFailed  InvalidationReason = "refresh_failed"
	ReasonSessionExpired InvalidationReason = "session_expired"
)

// LoginCredentials are the sign-in form values.
type LoginCredentials struct {
	Telephone string `json:"telephone"`
	Password  string `json:"password"`
}

// QueueAction names a replayable domain action.
type QueueAction string

const (
	ActionCoursesAccept   QueueAction = "courses.accept"
	ActionCoursesReject   QueueAction = "courses.reject"
	ActionCoursesStart    QueueAction = "courses.start"
	ActionCoursesComplete QueueAction = "courses.complete"
	ActionPressingAccept  QueueAction = "pressing.accept"
)

// QueueStatus is the replay state of a queue item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueFailed  QueueStatus = "failed"
)

// ConflictStrategy decides who wins when a replayed action disagrees with the server.
type ConflictStrategy string

const (
	ServerWins ConflictStrategy = "server_wins"
	ClientWins ConflictStrategy = "client_wins"
)

// QueuePayload holds scalar action parameters (string, number, bool or nil).
type QueuePayload map[string]any

// Clone returns a shallow copy; values are scalars so this is a full copy.
func (p QueuePayload) Clone() QueuePayload {
	if p == nil {
		return nil
	}
	c := make(QueuePayload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// QueueItem is a durable record of an action taken while offline.
type QueueItem struct {
	ID               string           `json:"id"`
	Action           QueueAction      `json:"action"`
	Payload          QueuePayload     `json:"payload"`
	Status           QueueStatus      `json:"status"`
	Attempts         int              `json:"attempts"`
	MaxAttempts      int              `json:"maxAttempts"`
	ConflictStrategy ConflictStrategy `json:"conflictStrategy"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Clone returns a copy whose payload can be mutated independently.
func (i QueueItem) Clone() QueueItem {
	i.Payload = i.Payload.Clone()
	return i
}

// CloneQueue copies a queue snapshot item by item.
func CloneQueue(items []QueueItem) []QueueItem {
	out := make([]QueueItem, len(items))
	for n, it := range items {
		out[n] = it.Clone()
	}
	return out
}

// ConnectionType is the transport reported by the platform.
type ConnectionType string

const (
	ConnUnknown  ConnectionType = "unknown"
	ConnNone     ConnectionType = "none"
	ConnWifi     ConnectionType = "wifi"
	ConnCellular ConnectionType = "cellular"
	ConnOther    ConnectionType = "other"
)

// NetworkStatus is a point-in-time connectivity reading.
type NetworkStatus struct {
	IsConnected         bool           `json:"isConnected"`
	IsInternetReachable bool           `json:"isInternetReachable"`
	IsOffline           bool           `json:"isOffline"`
	Type                ConnectionType `json:"type"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// SyncResult summarizes one flush cycle.
type SyncResult struct {
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	SyncedAt  time.Time `json:"syncedAt"`
}

// DeliveryType is the kind of goods carried by a course.
type DeliveryType string

const (
	DeliveryColis      DeliveryType = "colis"
	DeliveryNourriture DeliveryType = "nourriture"
	DeliveryDocuments  DeliveryType = "documents"
	DeliveryPressing   DeliveryType = "pressing"
)

// CourseStatus is the lifecycle state of a delivery job.
type CourseStatus string

const (
	CourseDisponible CourseStatus = "disponible"
	CourseEnAttente  CourseStatus = "en_attente"
	CourseEnCours    CourseStatus = "en_cours"
	CourseTerminee   CourseStatus = "terminee"
	CourseRefusee    CourseStatus = "refusee"
)

// PaymentType says whether the client already paid.
type PaymentType string

const (
	PaymentDejaPaye     PaymentType = "deja_paye"
	PaymentALaLivraison PaymentType = "a_la_livraison"
)

// ClientInfo identifies the recipient of a course.
type ClientInfo struct {
	Nom       string `json:"nom"`
	Telephone string `json:"telephone"`
	Adresse   string `json:"adresse"`
}

// Course is a delivery job.
type Course struct {
	ID               string       `json:"id"`
	QuartierDepart   string       `json:"quartierDepart"`
	QuartierArrivee  string       `json:"quartierArrivee"`
	Distance         float64      `json:"distance"`
	Montant          int64        `json:"montant"`
	TypeLivraison    DeliveryType `json:"typeLivraison"`
	Statut           CourseStatus `json:"statut"`
	DateCreation     time.Time    `json:"dateCreation"`
	DateAcceptation  *time.Time   `json:"dateAcceptation,omitempty"`
	DateTerminaison  *time.Time   `json:"dateTerminaison,omitempty"`
	LivreurID        string       `json:"livreurId,omitempty"`
	ClientID         string       `json:"clientId"`
	InfosClient      ClientInfo   `json:"infosClient"`
	TypePaiement     PaymentType  `json:"typePaiement"`
	Notes            string       `json:"notes,omitempty"`
	VehiculeAttribue VehicleType  `json:"vehiculeAttribue,omitempty"`
}

// CursorPage is one page of a cursor-paginated list. An empty NextCursor means no more pages.
type CursorPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// PressingOffer is a laundry pickup that becomes a pressing course once accepted.
type PressingOffer struct {
	ID                string        `json:"id"`
	PressingName      string        `json:"pressingName"`
	PickupAddress     string        `json:"pickupAddress"`
	DropoffAddress    string        `json:"dropoffAddress"`
	Distance          float64       `json:"distance"`
	Amount            int64         `json:"amount"`
	ClientName        string        `json:"clientName"`
	ClientPhone       string        `json:"clientPhone"`
	CreatedAt         time.Time     `json:"createdAt"`
	AvailableVehicles []VehicleType `json:"availableVehicles"`
}

// WalletTransactionType is the direction of a ledger entry.
type WalletTransactionType string

const (
	TxCredit WalletTransactionType = "credit"
	TxDebit  WalletTransactionType = "debit"
)

// WalletTransaction is one ledger entry.
type WalletTransaction struct {
	ID        string                `json:"id"`
	Type      WalletTransactionType `json:"type"`
	Amount    int64                 `json:"amount"`
	Label     string                `json:"label"`
	CreatedAt time.Time             `json:"createdAt"`
	CourseID  string                `json:"courseId,omitempty"`
}

// WalletState is the persisted ledger; transactions are newest first.
type WalletState struct {
	Balance      int64               `json:"balance"`
	Transactions []WalletTransaction `json:"transactions"`
}

// NotificationPreferences are the user's alert settings.
type NotificationPreferences struct {
	SoundEnabled bool `json:"soundEnabled"`
}
