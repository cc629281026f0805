// Package contacts manages symmetric contact edges between users.
package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "contacts.service.new"
	opAdd        = "contacts.add"
	opRemove     = "contacts.remove"
	opList       = "contacts.list"
	opState      = "contacts.state"

	reasonMissingDatabase  = "missing_database"
	reasonMissingDirectory = "missing_directory"
	reasonInvalidInput     = "invalid_input"
	reasonSelfContact      = "self_contact"
	reasonReservedPeer     = "reserved_peer"
	reasonEdgeCorrupt      = "edge_corrupt"
	reasonPartialWrite     = "partial_write"
	reasonWriteFailed      = "write_failed"
	reasonQueryFailed      = "query_failed"

	queryDirectedEdge = "owner_id = ? AND contact_id = ?"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingDirectory = errors.New("user directory is required")
	errInvalidInput     = errors.New("owner and contact are required")
	errOneSidedEdge     = errors.New("contact edge exists in one direction only")
)

// Directory resolves identifiers typed by users and names users.
type Directory interface {
	Lookup(ctx context.Context, identifier string) (users.Profile, error)
	DisplayName(ctx context.Context, userID string) string
}

// ServiceConfig describes the dependencies of the contact service.
type ServiceConfig struct {
	Database  *gorm.DB
	Directory Directory
	Publisher realtime.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service writes and reads contact edges.
type Service struct {
	db        *gorm.DB
	directory Directory
	publisher realtime.Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Transient(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, apperrors.Invalid(opServiceNew, reasonMissingDirectory, errMissingDirectory)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		directory: cfg.Directory,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// AddContact resolves identifier and creates the edge in both directions in one
// transaction. Both directions are re-read afterwards; a one-sided result is a
// PartialBatchError and is never retried blindly.
func (s *Service) AddContact(ctx context.Context, ownerID, identifier string) (Contact, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || strings.TrimSpace(identifier) == "" {
		return Contact{}, apperrors.Invalid(opAdd, reasonInvalidInput, errInvalidInput)
	}
	profile, err := s.directory.Lookup(ctx, identifier)
	if err != nil {
		return Contact{}, err
	}
	contactID := profile.ID
	if contactID == ownerID {
		return Contact{}, apperrors.Invalid(opAdd, reasonSelfContact, nil)
	}
	if IsReserved(contactID) {
		return Contact{}, apperrors.Invalid(opAdd, reasonReservedPeer, nil)
	}

	state, err := s.State(ctx, ownerID, contactID)
	if err != nil {
		return Contact{}, err
	}
	switch state {
	case EdgePresent:
		return Contact{ID: contactID, DisplayName: profile.DisplayName}, nil
	case EdgePartial:
		return Contact{}, apperrors.PartialBatch(opAdd, reasonEdgeCorrupt, errOneSidedEdge)
	}

	createdAt := s.clock().UTC().UnixMilli()
	edges := []Edge{
		{OwnerID: ownerID, ContactID: contactID, CreatedAtMs: createdAt},
		{OwnerID: contactID, ContactID: ownerID, CreatedAtMs: createdAt},
	}
	writeErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&edges).Error
	})

	state, err = s.State(ctx, ownerID, contactID)
	if err != nil {
		return Contact{}, err
	}
	switch state {
	case EdgePartial:
		s.logError(opAdd, reasonPartialWrite, writeErr, ownerID, contactID)
		return Contact{}, apperrors.PartialBatch(opAdd, reasonPartialWrite, errOneSidedEdge)
	case EdgeAbsent:
		s.logError(opAdd, reasonWriteFailed, writeErr, ownerID, contactID)
		return Contact{}, apperrors.Transient(opAdd, reasonWriteFailed, writeErr)
	}

	s.notifyChange(ownerID, contactID, true)
	return Contact{ID: contactID, DisplayName: profile.DisplayName}, nil
}

// RemoveContact deletes both directions of the edge. It also clears a one-sided
// edge left behind by an earlier failure.
func (s *Service) RemoveContact(ctx context.Context, ownerID, contactID string) error {
	ownerID = strings.TrimSpace(ownerID)
	contactID = strings.TrimSpace(contactID)
	if ownerID == "" || contactID == "" {
		return apperrors.Invalid(opRemove, reasonInvalidInput, errInvalidInput)
	}
	if IsReserved(contactID) {
		return apperrors.Invalid(opRemove, reasonReservedPeer, nil)
	}
	writeErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryDirectedEdge, ownerID, contactID).Delete(&Edge{}).Error; err != nil {
			return err
		}
		return transaction.Where(queryDirectedEdge, contactID, ownerID).Delete(&Edge{}).Error
	})

	state, err := s.State(ctx, ownerID, contactID)
	if err != nil {
		return err
	}
	switch state {
	case EdgePartial:
		s.logError(opRemove, reasonPartialWrite, writeErr, ownerID, contactID)
		return apperrors.PartialBatch(opRemove, reasonPartialWrite, errOneSidedEdge)
	case EdgePresent:
		s.logError(opRemove, reasonWriteFailed, writeErr, ownerID, contactID)
		return apperrors.Transient(opRemove, reasonWriteFailed, writeErr)
	}
	s.notifyChange(ownerID, contactID, false)
	return nil
}

// State re-reads both directions of the pair.
func (s *Service) State(ctx context.Context, firstUserID, secondUserID string) (EdgeState, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Edge{}).
		Where("("+queryDirectedEdge+") OR ("+queryDirectedEdge+")", firstUserID, secondUserID, secondUserID, firstUserID).
		Count(&count).Error
	if err != nil {
		s.logError(opState, reasonQueryFailed, err, firstUserID, secondUserID)
		return EdgeAbsent, apperrors.Transient(opState, reasonQueryFailed, err)
	}
	switch count {
	case 0:
		return EdgeAbsent, nil
	case 1:
		return EdgePartial, nil
	default:
		return EdgePresent, nil
	}
}

// Connected reports whether two users may message each other. The assistant is
// always connected; a one-sided edge is reported as PartialBatchError.
func (s *Service) Connected(ctx context.Context, firstUserID, secondUserID string) (bool, error) {
	if firstUserID == AssistantID || secondUserID == AssistantID {
		return true, nil
	}
	state, err := s.State(ctx, firstUserID, secondUserID)
	if err != nil {
		return false, err
	}
	if state == EdgePartial {
		return false, apperrors.PartialBatch(opState, reasonEdgeCorrupt, errOneSidedEdge)
	}
	return state == EdgePresent, nil
}

// List returns the owner's contacts in the order they were added, followed by
// the assistant peer.
func (s *Service) List(ctx context.Context, ownerID string) ([]Contact, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.Invalid(opList, reasonInvalidInput, errInvalidInput)
	}
	var edges []Edge
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at_ms ASC").Order("contact_id ASC").
		Find(&edges).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, ownerID, "")
		return nil, apperrors.Transient(opList, reasonQueryFailed, err)
	}
	listed := make([]Contact, 0, len(edges)+1)
	for _, edge := range edges {
		listed = append(listed, Contact{ID: edge.ContactID, DisplayName: s.directory.DisplayName(ctx, edge.ContactID)})
	}
	listed = append(listed, Contact{ID: AssistantID, DisplayName: assistantDisplayName, Reserved: true})
	return listed, nil
}

func (s *Service) notifyChange(ownerID, contactID string, added bool) {
	if s.publisher == nil {
		return
	}
	notice := ChangeNotice{OwnerID: ownerID, ContactID: contactID, Added: added}
	for _, userID := range []string{ownerID, contactID} {
		event, err := realtime.NewEvent(realtime.ContactsTopic(userID), realtime.EventContactsChanged, notice, s.clock())
		if err != nil {
			continue
		}
		s.publisher.Publish(event)
	}
}

func (s *Service) logError(operation, reason string, err error, ownerID, contactID string) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("owner_id", ownerID),
		zap.String("contact_id", contactID),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Error("contacts service error", fields...)
}
