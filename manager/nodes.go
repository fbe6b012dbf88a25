package manager

import (
	"gridlink/adapter"
	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/store"
)

// AddNode creates, initializes and registers a node. The setting blob
// is applied before the node is persisted, so a bad setting never
// reaches the store.
func (m *Manager) AddNode(name string, kind plugin.Kind, pluginName, setting string) error {
	return m.addNode(name, kind, pluginName, setting, false)
}

func (m *Manager) addNode(name string, kind plugin.Kind, pluginName, setting string, load bool) error {
	if name == "" || name == MailboxName {
		return errcode.Newf(errcode.NodeNotExist, "invalid node name %q", name)
	}
	m.mu.Lock()
	if _, ok := m.nodes[name]; ok {
		m.mu.Unlock()
		return errcode.Newf(errcode.NodeExist, "node %s", name)
	}
	m.mu.Unlock()

	inst, desc, err := m.plugins.Acquire(pluginName, name, kind)
	if err != nil {
		return err
	}

	entry := &nodeEntry{}
	svc := m.services()
	switch kind {
	case plugin.KindDriver:
		entry.driver, err = adapter.NewDriver(name, pluginName, inst, desc, m.fab, svc)
		if entry.driver != nil {
			entry.adapter = entry.driver.Adapter
		}
	default:
		entry.app, err = adapter.NewApp(name, pluginName, inst, desc, m.fab, svc)
		if entry.app != nil {
			entry.adapter = entry.app.Adapter
		}
	}
	if err != nil {
		m.plugins.Release(pluginName, name)
		return err
	}
	entry.adapter.SetOnLog(m.logFn)

	if err := entry.adapter.Init(load); err != nil {
		// a plugin crash during init aborts this adapter only
		entry.adapter.Uninit()
		m.plugins.Release(pluginName, name)
		return err
	}
	if setting != "" {
		if err := entry.adapter.ApplySetting(setting); err != nil {
			entry.adapter.Uninit()
			m.plugins.Release(pluginName, name)
			return err
		}
	}

	m.mu.Lock()
	m.nodes[name] = entry
	m.mu.Unlock()

	if m.st != nil && !load {
		if err := m.st.SaveNode(store.NodeRow{
			Name: name, Kind: int(kind), Plugin: pluginName, Setting: setting,
			State: int(plugin.StateReady),
		}); err != nil {
			logging.DebugLog("manager", "persist node %s: %v", name, err)
		}
	}
	m.logFn("node %s created (plugin %s)", name, pluginName)
	return nil
}

// DelNode deletes a node with full cascade: an app is unsubscribed
// everywhere first, a driver's subscribers each get exactly one
// NODE_DELETED notice.
func (m *Manager) DelNode(name string) error {
	m.mu.Lock()
	entry, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}

	if desc, err := m.plugins.Find(entry.adapter.PluginName()); err == nil && desc.Single {
		return errcode.Newf(errcode.NodeNotAllowDelete, "singleton node %s", name)
	}

	if entry.app != nil {
		// detach the app from every driver it subscribed to
		removed := m.table.UnsubAll(name)
		for _, sub := range removed {
			m.notify(sub.Driver, &msg.Envelope{
				Type:     msg.UnsubscribeGroup,
				Receiver: sub.Driver,
				Body:     &msg.UnsubscribeGroupBody{App: name, Driver: sub.Driver, Group: sub.Group},
			})
			if m.st != nil {
				m.st.DeleteSubscription(name, sub.Driver, sub.Group)
			}
		}
	} else {
		// tell every subscriber the driver is gone
		removed := m.table.DropDriver(name)
		notified := make(map[string]bool)
		for _, sub := range removed {
			if notified[sub.App] {
				continue
			}
			notified[sub.App] = true
			m.notify(sub.App, &msg.Envelope{
				Type:     msg.NodeDeleted,
				Receiver: sub.App,
				Body:     &msg.NodeDeletedBody{Node: name},
			})
			if m.st != nil {
				m.st.DeleteSubscription(sub.App, name, sub.Group)
			}
		}
	}

	m.mu.Lock()
	delete(m.nodes, name)
	m.mu.Unlock()

	if err := entry.adapter.Uninit(); err != nil {
		logging.DebugLog("manager", "uninit %s: %v", name, err)
	}
	m.plugins.Release(entry.adapter.PluginName(), name)

	if m.st != nil {
		if err := m.st.DeleteNode(name); err != nil {
			logging.DebugLog("manager", "persist delete %s: %v", name, err)
		}
	}
	m.logFn("node %s deleted", name)
	return nil
}

// RenameNode renames a node, cascading the mailbox, the metrics
// block, the subscription table and the store.
func (m *Manager) RenameNode(name, newName string) error {
	if newName == "" || newName == MailboxName {
		return errcode.Newf(errcode.NodeNotExist, "invalid node name %q", newName)
	}
	m.mu.Lock()
	entry, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}
	if _, taken := m.nodes[newName]; taken {
		m.mu.Unlock()
		return errcode.Newf(errcode.NodeExist, "node %s", newName)
	}
	m.mu.Unlock()

	if desc, err := m.plugins.Find(entry.adapter.PluginName()); err == nil && desc.Single {
		return errcode.Newf(errcode.NodeNotAllowDelete, "singleton node %s", name)
	}

	if err := entry.adapter.Rename(newName); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.nodes, name)
	m.nodes[newName] = entry
	m.mu.Unlock()

	if entry.driver != nil {
		m.table.UpdateDriverName(name, newName)
	} else {
		m.table.UpdateAppName(name, newName, newName)
	}
	if m.st != nil {
		if err := m.st.UpdateNodeName(name, newName); err != nil {
			logging.DebugLog("manager", "persist rename %s: %v", name, err)
		}
	}
	m.logFn("node %s renamed to %s", name, newName)
	return nil
}

// NodeCtl starts or stops a node and persists the commanded state.
func (m *Manager) NodeCtl(name string, cmd msg.CtlCmd) error {
	m.mu.Lock()
	entry, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}

	var err error
	if cmd == msg.CtlStart {
		err = entry.adapter.Start()
	} else {
		err = entry.adapter.Stop()
	}
	if err != nil {
		return err
	}
	if m.st != nil {
		m.st.UpdateNodeState(name, int(entry.adapter.State()))
	}
	return nil
}

// SetNodeSetting applies and persists a node's setting blob.
func (m *Manager) SetNodeSetting(name, setting string) error {
	m.mu.Lock()
	entry, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}
	if err := entry.adapter.ApplySetting(setting); err != nil {
		return err
	}
	if m.st != nil {
		m.st.UpdateNodeSetting(name, setting)
	}
	return nil
}

// GetNodeSetting returns a node's setting blob.
func (m *Manager) GetNodeSetting(name string) (string, error) {
	m.mu.Lock()
	entry, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		return "", errcode.Newf(errcode.NodeNotExist, "node %s", name)
	}
	return entry.adapter.Setting(), nil
}

// notify delivers a best-effort control notice; failures are logged,
// never propagated.
func (m *Manager) notify(to string, env *msg.Envelope) {
	env.Sender = MailboxName
	if err := m.fab.Send(to, env); err != nil {
		logging.DebugLog("manager", "notify %s %s: %v", to, env.Type, err)
	}
}
