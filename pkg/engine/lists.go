package engine

import (
	"encoding/hex"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"lukechampine.com/frand"
)

// CreateList stores a new empty list under a random id.
func (e *Engine) CreateList(c context.T, title, description string,
	tags ...string) (l *store.List, err error) {

	l = &store.List{
		ID:          hex.EncodeToString(frand.Bytes(16)),
		Title:       title,
		Description: description,
		Tags:        tags,
		UserPubkeys: []string{},
	}
	if err = e.store.SaveList(c, l); chk.E(err) {
		return nil, err
	}
	return
}

// UpdateList replaces the title, description and tags of a stored list,
// keeping its members.
func (e *Engine) UpdateList(c context.T, l *store.List) (err error) {
	var old *store.List
	if old, err = e.store.GetList(c, l.ID); err != nil {
		return
	}
	old.Title, old.Description, old.Tags = l.Title, l.Description, l.Tags
	return e.store.SaveList(c, old)
}

func (e *Engine) DeleteList(c context.T, id string) error {
	return e.store.DeleteList(c, id)
}

// AddUserToList adds a member, failing with store.ErrAlreadyMember for one
// already on the list.
func (e *Engine) AddUserToList(c context.T, id, pubkey string) error {
	return e.store.AddListMember(c, id, pubkey)
}

func (e *Engine) RemoveUserFromList(c context.T, id, pubkey string) error {
	return e.store.RemoveListMember(c, id, pubkey)
}

func (e *Engine) Lists(c context.T) ([]*store.List, error) {
	return e.store.Lists(c)
}
