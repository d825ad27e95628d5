package receive

import (
	"context"
	"fmt"

	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/group"
	"github.com/meow-io/go-portmsg/storage"
)

func (r *Router) newGroupRegistry() Registry {
	return Registry{
		envelope.Name:                   r.memberNameAction(),
		envelope.Text:                   r.textAction(),
		envelope.Link:                   r.linkAction(),
		envelope.Image:                  r.mediaAction("ReceiveImage"),
		envelope.Video:                  r.mediaAction("ReceiveVideo"),
		envelope.File:                   r.mediaAction("ReceiveFile"),
		envelope.AudioRecording:         r.mediaAction("ReceiveAudio"),
		envelope.GroupAvatar:            r.groupAvatarAction(),
		envelope.GroupPicture:           r.groupPictureAction(),
		envelope.DisplayImage:           r.memberPictureAction(),
		envelope.DisplayAvatar:          r.memberAvatarAction(),
		envelope.Reaction:               r.reactionAction(),
		envelope.GroupName:              r.groupNameAction(),
		envelope.GroupDescription:       r.groupDescriptionAction(),
		envelope.Deleted:                r.messageDeletionAction(),
		envelope.GroupInitialMemberInfo: r.initialMemberInfoAction(),
		envelope.EditedMessage:          r.editAction(),
		envelope.DisappearingMessages:   r.groupDisappearingAction(),
	}
}

// pickGroup chooses the action for a group envelope. Unencrypted roster changes from the server come
// first, since they must apply even when nothing can be decrypted.
func (r *Router) pickGroup(c *Context) (Action, error) {
	env := c.Envelope
	if env.RemovedFromGroup {
		return r.removeSelf, nil
	}
	if ctrl, ok := envelope.ParseControl(env.Content); ok {
		c.Control = ctrl
		switch {
		case bool(ctrl.RemovedFromGroup):
			return r.removeSelf, nil
		case ctrl.NewMember != nil:
			return r.addMember, nil
		case ctrl.RemovedMember != "" || ctrl.MemberLeft != "":
			if c.Group != nil && removedMemberID(ctrl) == c.Group.Group.SelfMemberID {
				return r.removeSelf, nil
			}
			return r.removeMember, nil
		case bool(ctrl.Demotion):
			return r.adminDemotion, nil
		case bool(ctrl.Promotion):
			return r.adminPromotion, nil
		case ctrl.DemotedMember != "":
			return r.demoteMember, nil
		case ctrl.PromotedMember != "":
			return r.promoteMember, nil
		}
	}

	if env.Sender == "" {
		return nil, fmt.Errorf("%w: group envelope without sender", ErrMissingDecryptedContent)
	}
	if c.Group == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingRoutingTarget, c.ChatID)
	}
	member, ok := c.Group.ActiveMember(env.Sender)
	if !ok || member.CryptoID == "" {
		return nil, fmt.Errorf("%w: no session for sender %s", ErrMissingDecryptedContent, env.Sender)
	}
	b, err := r.keys.Decrypt(member.CryptoID, env.Ciphertext())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDecryptedContent, err)
	}
	p, err := envelope.ParsePayload(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDecryptedContent, err)
	}
	c.Payload = p
	a, ok := r.group[p.ContentType]
	if !ok {
		r.log.Debugf("ignoring unsupported group content type %s", p.ContentType)
		return nil, nil
	}
	return a, nil
}

func removedMemberID(ctrl *envelope.Control) string {
	if ctrl.RemovedMember != "" {
		return ctrl.RemovedMember
	}
	return ctrl.MemberLeft
}

func (r *Router) validateGroup(c *Context) error {
	if c.Group == nil || c.Conn == nil {
		return fmt.Errorf("%w: %s", ErrMissingRoutingTarget, c.ChatID)
	}
	if c.Conn.Disconnected {
		return fmt.Errorf("%w: %s", ErrDisconnectedConversation, c.ChatID)
	}
	return nil
}

func (r *Router) withGroupValidation(reg Registry) Registry {
	for ct, a := range reg {
		if ga, ok := a.(*action); ok && ga.validate == nil {
			ga.validate = r.validateGroup
			reg[ct] = ga
		}
	}
	return reg
}

// requireAdminSender rejects group-wide changes from members who are not admins.
func requireAdminSender(c *Context) error {
	if !c.Group.IsAdmin(c.SenderID) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorizedMutation, c.SenderID)
	}
	return nil
}

// adminOnly wraps apply with the sender admin check.
func adminOnly(apply func(c *Context) ([]Event, error)) func(c *Context) ([]Event, error) {
	return func(c *Context) ([]Event, error) {
		if err := requireAdminSender(c); err != nil {
			return nil, err
		}
		return apply(c)
	}
}

func (r *Router) updateGroup(c *Context, f func(g *storage.Group)) error {
	next, err := r.groups.Update(c.Group, f)
	if err != nil {
		return err
	}
	c.Group = next
	return nil
}

func (r *Router) groupNameAction() Action {
	return &action{
		name: "ReceiveGroupName",
		apply: adminOnly(func(c *Context) ([]Event, error) {
			var d envelope.GroupNameData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if d.Name == "" || d.Name == c.Group.Group.Name {
				return nil, nil
			}
			if err := r.updateGroup(c, func(g *storage.Group) { g.Name = d.Name }); err != nil {
				return nil, err
			}
			if err := r.store.SetConnectionName(c.ChatID, d.Name); err != nil {
				return nil, err
			}
			events, err := r.info(c, fmt.Sprintf("%s changed the group name to %s", c.Group.DisplayName(c.SenderID), d.Name))
			if err != nil {
				return nil, err
			}
			return append(events, &ConnectionChanged{ChatID: c.ChatID}), nil
		}),
	}
}

func (r *Router) groupDescriptionAction() Action {
	return &action{
		name: "ReceiveGroupDescription",
		apply: adminOnly(func(c *Context) ([]Event, error) {
			var d envelope.GroupDescriptionData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if err := r.updateGroup(c, func(g *storage.Group) { g.Description = d.Description }); err != nil {
				return nil, err
			}
			return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
		}),
	}
}

func (r *Router) setGroupPicture(c *Context, pic string) ([]Event, error) {
	if err := r.updateGroup(c, func(g *storage.Group) { g.Picture = pic }); err != nil {
		return nil, err
	}
	if err := r.store.SetConnectionDisplayPic(c.ChatID, pic); err != nil {
		return nil, err
	}
	return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
}

func (r *Router) groupAvatarAction() Action {
	return &action{
		name: "ReceiveGroupAvatar",
		apply: adminOnly(func(c *Context) ([]Event, error) {
			var d envelope.AvatarData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			return r.setGroupPicture(c, d.Avatar)
		}),
	}
}

func (r *Router) groupPictureAction() Action {
	return &action{
		name: "ReceiveGroupPicture",
		apply: adminOnly(func(c *Context) ([]Event, error) {
			var d envelope.PictureData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if d.FileURI != "" || r.enricher == nil || !c.Permissions.AutoDownload {
				pic := d.FileURI
				if pic == "" {
					pic = d.MediaID
				}
				return r.setGroupPicture(c, pic)
			}
			chatID := c.ChatID
			c.After(func(ctx context.Context) ([]Event, error) {
				uri, err := r.enricher.DownloadMedia(ctx, chatID, d.MediaID, d.Key)
				if err != nil {
					return nil, fmt.Errorf("receive: error downloading group picture: %w", err)
				}
				var events []Event
				err = r.store.Run("group picture", func() error {
					s, err := r.groups.Load(chatID)
					if err != nil || s == nil {
						return err
					}
					events, err = r.setGroupPicture(&Context{ChatID: chatID, Group: s}, uri)
					return err
				})
				return events, err
			})
			return nil, nil
		}),
	}
}

func (r *Router) groupDisappearingAction() Action {
	return &action{
		name:  "ReceiveDisappearingMessages",
		apply: adminOnly(r.setDisappearing),
	}
}

func (r *Router) setMemberInfo(c *Context, name, pic string) ([]Event, error) {
	next, err := r.groups.SetMemberInfo(c.Group, c.SenderID, name, pic)
	if err != nil {
		return nil, err
	}
	c.Group = next
	if m, ok := next.Member(c.SenderID); ok && m.PairHash != "" {
		if name != "" {
			if err := r.store.TouchContact(m.PairHash, name, c.Received); err != nil {
				return nil, err
			}
		}
		if pic != "" {
			if err := r.store.SetContactDisplayPic(m.PairHash, pic); err != nil {
				return nil, err
			}
		}
	}
	return []Event{&MembershipChanged{ChatID: c.ChatID, MemberID: c.SenderID}}, nil
}

func (r *Router) memberNameAction() Action {
	return &action{
		name: "ReceiveName",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.NameData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			return r.setMemberInfo(c, d.Name, "")
		},
	}
}

func (r *Router) memberAvatarAction() Action {
	return &action{
		name: "ReceiveMemberAvatar",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.AvatarData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if !c.Permissions.DisplayPicture {
				return nil, nil
			}
			return r.setMemberInfo(c, "", d.Avatar)
		},
	}
}

func (r *Router) memberPictureAction() Action {
	return &action{
		name: "ReceiveMemberPicture",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.PictureData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if !c.Permissions.DisplayPicture {
				return nil, nil
			}
			if d.FileURI != "" || r.enricher == nil || !c.Permissions.AutoDownload {
				pic := d.FileURI
				if pic == "" {
					pic = d.MediaID
				}
				return r.setMemberInfo(c, "", pic)
			}
			chatID, senderID := c.ChatID, c.SenderID
			c.After(func(ctx context.Context) ([]Event, error) {
				uri, err := r.enricher.DownloadMedia(ctx, chatID, d.MediaID, d.Key)
				if err != nil {
					return nil, fmt.Errorf("receive: error downloading member picture: %w", err)
				}
				var events []Event
				err = r.store.Run("member picture", func() error {
					s, err := r.groups.Load(chatID)
					if err != nil || s == nil {
						return err
					}
					events, err = r.setMemberInfo(&Context{ChatID: chatID, SenderID: senderID, Group: s}, "", uri)
					return err
				})
				return events, err
			})
			return nil, nil
		},
	}
}

func (r *Router) initialMemberInfoAction() Action {
	return &action{
		name: "ReceiveInitialGroupMemberInfo",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.InitialMemberInfoData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			pic := ""
			if c.Permissions.DisplayPicture {
				pic = d.DisplayPic
			}
			return r.setMemberInfo(c, d.Name, pic)
		},
	}
}

// membership wraps a roster change so a no-op change reads as a duplicate delivery.
func (r *Router) membership(c *Context, next *group.Snapshot, changed bool, memberID, text string) ([]Event, error) {
	if !changed {
		return nil, fmt.Errorf("%w: roster already reflects change for %s", ErrAlreadyProcessed, memberID)
	}
	c.Group = next
	events, err := r.info(c, text)
	if err != nil {
		return nil, err
	}
	return append(events, &MembershipChanged{ChatID: c.ChatID, MemberID: memberID}), nil
}

func (r *Router) removeSelfAction() Action {
	return &action{
		name: "RemoveSelf",
		validate: func(c *Context) error {
			if c.Group == nil || c.Conn == nil {
				return fmt.Errorf("%w: %s", ErrMissingRoutingTarget, c.ChatID)
			}
			if c.Conn.Disconnected {
				return fmt.Errorf("%w: already removed from %s", ErrAlreadyProcessed, c.ChatID)
			}
			return nil
		},
		apply: func(c *Context) ([]Event, error) {
			if err := r.store.SetDisconnected(c.ChatID, true); err != nil {
				return nil, err
			}
			events, err := r.info(c, "You are no longer in the group")
			if err != nil {
				return nil, err
			}
			return append(events, &ConnectionChanged{ChatID: c.ChatID}), nil
		},
	}
}

func (r *Router) addMemberAction() Action {
	return &action{
		name: "AddMember",
		apply: func(c *Context) ([]Event, error) {
			nm := c.Control.NewMember
			next, changed, err := r.groups.AddMember(c.Group, nm)
			if err != nil {
				return nil, err
			}
			if changed && nm.PairHash != "" {
				if err := r.store.TouchContact(nm.PairHash, "", c.Received); err != nil {
					return nil, err
				}
			}
			return r.membership(c, next, changed, nm.MemberID, fmt.Sprintf("%s joined the group", next.DisplayName(nm.MemberID)))
		},
	}
}

func (r *Router) removeMemberAction() Action {
	return &action{
		name: "RemoveMember",
		apply: func(c *Context) ([]Event, error) {
			memberID := removedMemberID(c.Control)
			name := c.Group.DisplayName(memberID)
			next, changed, err := r.groups.MarkRemoved(c.Group, memberID)
			if err != nil {
				return nil, err
			}
			return r.membership(c, next, changed, memberID, fmt.Sprintf("%s is no longer in the group", name))
		},
	}
}

func (r *Router) selfAdminAction(name string, admin bool, text string) Action {
	return &action{
		name: name,
		apply: func(c *Context) ([]Event, error) {
			next, changed, err := r.groups.SetSelfAdmin(c.Group, admin)
			if err != nil {
				return nil, err
			}
			return r.membership(c, next, changed, c.Group.Group.SelfMemberID, text)
		},
	}
}

func (r *Router) memberAdminAction(name string, admin bool) Action {
	return &action{
		name: name,
		apply: func(c *Context) ([]Event, error) {
			memberID := c.Control.PromotedMember
			text := "%s is now an admin"
			if !admin {
				memberID = c.Control.DemotedMember
				text = "%s is no longer an admin"
			}
			next, changed, err := r.groups.SetMemberAdmin(c.Group, memberID, admin)
			if err != nil {
				return nil, err
			}
			return r.membership(c, next, changed, memberID, fmt.Sprintf(text, next.DisplayName(memberID)))
		},
	}
}
