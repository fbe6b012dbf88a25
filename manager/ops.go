package manager

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/store"
	"gridlink/subs"
	"gridlink/tag"
)

// AddGroup creates a group on a driver and persists it.
func (m *Manager) AddGroup(driver, group string, interval time.Duration) error {
	d, err := m.findDriver(driver)
	if err != nil {
		return err
	}
	if d.GroupCount() >= GroupMaxPerNode {
		return errcode.Newf(errcode.GroupMaxGroups, "driver %s", driver)
	}
	if err := d.AddGroup(group, interval); err != nil {
		return err
	}
	if m.st != nil {
		m.st.SaveGroup(store.GroupRow{Driver: driver, Name: group, Interval: interval})
	}
	return nil
}

// DelGroup deletes a group, its tags and its subscriptions, and
// notifies the detached apps.
func (m *Manager) DelGroup(driver, group string) error {
	d, err := m.findDriver(driver)
	if err != nil {
		return err
	}
	if err := d.DelGroup(group); err != nil {
		return err
	}
	removed := m.table.DropGroup(driver, group)
	for _, sub := range removed {
		m.notify(sub.App, &msg.Envelope{
			Type:     msg.UnsubscribeGroup,
			Receiver: sub.App,
			Body:     &msg.UnsubscribeGroupBody{App: sub.App, Driver: driver, Group: group},
		})
		if m.st != nil {
			m.st.DeleteSubscription(sub.App, driver, group)
		}
	}
	if m.st != nil {
		m.st.DeleteGroup(driver, group)
	}
	return nil
}

// UpdateGroup renames a group and/or changes its interval, cascading
// the subscription table and the store.
func (m *Manager) UpdateGroup(driver, group, newName string, interval time.Duration) error {
	d, err := m.findDriver(driver)
	if err != nil {
		return err
	}
	if err := d.UpdateGroup(group, newName, interval); err != nil {
		return err
	}
	finalName := group
	if newName != "" && newName != group {
		m.table.UpdateGroupName(driver, group, newName)
		finalName = newName
		if m.st != nil {
			m.st.UpdateGroupName(driver, group, newName)
		}
	}
	if m.st != nil {
		grp, err := d.Group(finalName)
		if err == nil {
			m.st.SaveGroup(store.GroupRow{Driver: driver, Name: finalName, Interval: grp.Interval()})
		}
	}
	return nil
}

// GetGroups lists a driver's groups.
func (m *Manager) GetGroups(driver string) ([]msg.GroupInfo, error) {
	d, err := m.findDriver(driver)
	if err != nil {
		return nil, err
	}
	return d.ListGroups(), nil
}

// AddTags validates and commits tags to a group, persisting on
// success. The whole request rolls back on any validation failure.
func (m *Manager) AddTags(driver, group string, tags []*tag.Tag) error {
	d, err := m.findDriver(driver)
	if err != nil {
		return err
	}
	if err := d.AddTags(group, tags); err != nil {
		return err
	}
	if m.st != nil {
		m.st.SaveTags(driver, group, tags)
	}
	return nil
}

// UpdateTags replaces existing tags.
func (m *Manager) UpdateTags(driver, group string, tags []*tag.Tag) error {
	d, err := m.findDriver(driver)
	if err != nil {
		return err
	}
	if err := d.UpdateTags(group, tags); err != nil {
		return err
	}
	if m.st != nil {
		m.st.SaveTags(driver, group, tags)
	}
	return nil
}

// DelTags removes tags by name.
func (m *Manager) DelTags(driver, group string, names []string) error {
	d, err := m.findDriver(driver)
	if err != nil {
		return err
	}
	if err := d.DelTags(group, names); err != nil {
		return err
	}
	if m.st != nil {
		for _, name := range names {
			m.st.DeleteTag(driver, group, name)
		}
	}
	return nil
}

// GetTags lists or queries a group's tags.
func (m *Manager) GetTags(driver, group, nameSub, descSub string) ([]*tag.Tag, error) {
	d, err := m.findDriver(driver)
	if err != nil {
		return nil, err
	}
	grp, err := d.Group(group)
	if err != nil {
		return nil, err
	}
	if nameSub == "" && descSub == "" {
		return grp.ListTags(), nil
	}
	return grp.Query(nameSub, descSub), nil
}

// Subscribe establishes a subscription. Both parties are notified of
// each other's mailbox address; the subscription is recorded only
// after both notifications succeed. On partial failure (app notified,
// driver not) the app is told to forget the pairing again.
func (m *Manager) Subscribe(app, driver, group, params string) error {
	if _, err := m.findApp(app); err != nil {
		return err
	}
	if _, err := m.findDriver(driver); err != nil {
		return err
	}
	if !m.groupExists(driver, group) {
		return errcode.Newf(errcode.GroupNotExist, "%s/%s", driver, group)
	}

	appNote := &msg.Envelope{
		Type:     msg.SubscribeGroup,
		Receiver: app,
		Body: &msg.SubscribeGroupBody{
			App: app, Driver: driver, Group: group,
			Params: params, DriverAddr: driver,
		},
	}
	appNote.Sender = MailboxName
	if err := m.fab.Send(app, appNote); err != nil {
		return errcode.Newf(errcode.EInternal, "notify app %s: %v", app, err)
	}

	drvNote := &msg.Envelope{
		Type:     msg.SubscribeGroup,
		Receiver: driver,
		Body: &msg.SubscribeGroupBody{
			App: app, Driver: driver, Group: group,
			Params: params, AppAddr: app,
		},
	}
	drvNote.Sender = MailboxName
	if err := m.fab.Send(driver, drvNote); err != nil {
		// undo the app-side notice so neither party believes the
		// subscription is live
		m.notify(app, &msg.Envelope{
			Type:     msg.UnsubscribeGroup,
			Receiver: app,
			Body:     &msg.UnsubscribeGroupBody{App: app, Driver: driver, Group: group},
		})
		return errcode.Newf(errcode.EInternal, "notify driver %s: %v", driver, err)
	}

	if err := m.table.Sub(driver, app, group, params, app); err != nil {
		return err
	}
	if m.st != nil {
		m.st.SaveSubscription(store.SubscriptionRow{
			App: app, Driver: driver, Group: group, Params: params,
		})
	}
	return nil
}

// UpdateSubscribe replaces the params of an existing subscription.
func (m *Manager) UpdateSubscribe(app, driver, group, params string) error {
	if err := m.table.UpdateParams(driver, app, group, params); err != nil {
		return err
	}
	m.notify(app, &msg.Envelope{
		Type:     msg.UpdateSubscribeGroup,
		Receiver: app,
		Body: &msg.SubscribeGroupBody{
			App: app, Driver: driver, Group: group, Params: params, DriverAddr: driver,
		},
	})
	if m.st != nil {
		m.st.SaveSubscription(store.SubscriptionRow{
			App: app, Driver: driver, Group: group, Params: params,
		})
	}
	return nil
}

// Unsubscribe tears a subscription down. A missing triple succeeds.
func (m *Manager) Unsubscribe(app, driver, group string) error {
	m.table.Unsub(driver, app, group)
	body := &msg.UnsubscribeGroupBody{App: app, Driver: driver, Group: group}
	m.notify(app, &msg.Envelope{Type: msg.UnsubscribeGroup, Receiver: app, Body: body})
	m.notify(driver, &msg.Envelope{Type: msg.UnsubscribeGroup, Receiver: driver, Body: body})
	if m.st != nil {
		m.st.DeleteSubscription(app, driver, group)
	}
	return nil
}

// ListSubGroups lists an app's subscriptions.
func (m *Manager) ListSubGroups(app string) ([]subs.Subscription, error) {
	if _, err := m.findApp(app); err != nil {
		return nil, err
	}
	return m.table.FindByApp(app), nil
}

// DriverRequest is one driver of an ADD_DRIVERS batch.
type DriverRequest struct {
	Name    string          `json:"name"`
	Plugin  string          `json:"plugin"`
	Setting string          `json:"setting,omitempty"`
	Groups  []msg.GTagGroup `json:"groups"`
}

// AddDrivers creates several fully-populated drivers in one request.
// Every driver is preflighted first; afterwards they are built in
// order, and any failure rolls back the drivers already added, in
// reverse order.
func (m *Manager) AddDrivers(reqs []DriverRequest) error {
	// preflight
	for _, r := range reqs {
		desc, err := m.plugins.Find(r.Plugin)
		if err != nil {
			return err
		}
		if desc.Kind != plugin.KindDriver {
			return errcode.Newf(errcode.PluginTypeNotSupport, "plugin %s", r.Plugin)
		}
		if desc.Single {
			if holder, live := m.plugins.SingletonHolder(r.Plugin); live && holder != r.Name {
				return errcode.Newf(errcode.LibraryNotAllowCreateInstance,
					"plugin %s held by %s", r.Plugin, holder)
			}
		}
		if len(r.Groups) > GroupMaxPerNode {
			return errcode.Newf(errcode.GroupMaxGroups, "driver %s", r.Name)
		}
	}

	var added []string
	rollback := func() {
		for i := len(added) - 1; i >= 0; i-- {
			if err := m.DelNode(added[i]); err != nil {
				logging.DebugLog("manager", "rollback %s: %v", added[i], err)
			}
		}
	}

	for _, r := range reqs {
		// replace any pre-existing node of the same name
		if _, err := m.GetNode(r.Name); err == nil {
			if err := m.DelNode(r.Name); err != nil {
				rollback()
				return err
			}
		}
		if err := m.AddNode(r.Name, plugin.KindDriver, r.Plugin, r.Setting); err != nil {
			rollback()
			return err
		}
		added = append(added, r.Name)

		d, err := m.findDriver(r.Name)
		if err != nil {
			rollback()
			return err
		}
		if err := d.AddGTags(r.Groups); err != nil {
			rollback()
			return err
		}
		if m.st != nil {
			for _, g := range r.Groups {
				m.st.SaveGroup(store.GroupRow{Driver: r.Name, Name: g.Group, Interval: g.Interval})
				m.st.SaveTags(r.Name, g.Group, g.Tags)
			}
		}
	}
	return nil
}

// ReadGroupSync performs an on-demand group read over the bus and
// waits for the snapshot.
func (m *Manager) ReadGroupSync(driver, group string) (*msg.ReadGroupRespBody, error) {
	if _, err := m.findDriver(driver); err != nil {
		return nil, err
	}
	env := &msg.Envelope{
		Type:     msg.ReadGroup,
		Receiver: driver,
		Context:  uuid.NewString(),
		Body:     &msg.ReadGroupBody{Driver: driver, Group: group},
	}
	resp, err := m.Call(driver, env)
	if err != nil {
		return nil, err
	}
	switch body := resp.Body.(type) {
	case *msg.ReadGroupRespBody:
		return body, nil
	case *msg.RespErrorBody:
		return nil, errcode.New(body.Error, body.Message)
	default:
		return nil, errcode.Newf(errcode.EInternal, "unexpected reply %s", resp.Type)
	}
}

// WriteTagSync writes one tag over the bus and waits for the per-tag
// result.
func (m *Manager) WriteTagSync(driver, group, tagName string, value json.RawMessage) (*msg.RespErrorBody, error) {
	if _, err := m.findDriver(driver); err != nil {
		return nil, err
	}
	env := &msg.Envelope{
		Type:     msg.WriteTag,
		Receiver: driver,
		Context:  uuid.NewString(),
		Body:     &msg.WriteTagBody{Driver: driver, Group: group, Tag: tagName, Value: value},
	}
	resp, err := m.Call(driver, env)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*msg.RespErrorBody)
	if !ok {
		return nil, errcode.Newf(errcode.EInternal, "unexpected reply %s", resp.Type)
	}
	return body, nil
}

// WriteTagsSync writes several tags of one group over the bus.
func (m *Manager) WriteTagsSync(driver, group string, writes []msg.TagWrite) (*msg.RespErrorBody, error) {
	if _, err := m.findDriver(driver); err != nil {
		return nil, err
	}
	env := &msg.Envelope{
		Type:     msg.WriteTags,
		Receiver: driver,
		Context:  uuid.NewString(),
		Body:     &msg.WriteTagsBody{Driver: driver, Group: group, Tags: writes},
	}
	resp, err := m.Call(driver, env)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*msg.RespErrorBody)
	if !ok {
		return nil, errcode.Newf(errcode.EInternal, "unexpected reply %s", resp.Type)
	}
	return body, nil
}

// LoadFromStore restores nodes, groups, tags and subscriptions at
// boot and restarts the nodes whose persisted state was running.
func (m *Manager) LoadFromStore() error {
	if m.st == nil {
		return nil
	}

	nodes, err := m.st.LoadNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := m.addNode(n.Name, plugin.Kind(n.Kind), n.Plugin, n.Setting, true); err != nil {
			m.logFn("restore node %s failed: %v", n.Name, err)
			continue
		}
	}

	groups, err := m.st.LoadGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		d, err := m.findDriver(g.Driver)
		if err != nil {
			continue
		}
		if err := d.AddGroup(g.Name, g.Interval); err != nil {
			m.logFn("restore group %s/%s failed: %v", g.Driver, g.Name, err)
			continue
		}
		tags, err := m.st.LoadTags(g.Driver, g.Name)
		if err != nil {
			m.logFn("restore tags %s/%s failed: %v", g.Driver, g.Name, err)
			continue
		}
		if len(tags) > 0 {
			if err := d.AddTags(g.Name, tags); err != nil {
				m.logFn("restore tags %s/%s failed: %v", g.Driver, g.Name, err)
			}
		}
	}

	subsRows, err := m.st.LoadSubscriptions()
	if err != nil {
		return err
	}
	for _, s := range subsRows {
		if err := m.table.Sub(s.Driver, s.App, s.Group, s.Params, s.App); err != nil {
			m.logFn("restore subscription %s->%s/%s failed: %v", s.App, s.Driver, s.Group, err)
		}
	}

	// restart nodes that were running when the gateway went down
	for _, n := range nodes {
		if n.State == int(plugin.StateRunning) {
			if err := m.NodeCtl(n.Name, msg.CtlStart); err != nil {
				m.logFn("restart node %s failed: %v", n.Name, err)
			}
		}
	}
	return nil
}
