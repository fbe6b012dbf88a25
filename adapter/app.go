package adapter

import (
	"encoding/json"

	"github.com/google/uuid"

	"gridlink/bus"
	"gridlink/errcode"
	"gridlink/logging"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
)

// App is a running northbound node: it consumes snapshots and
// originates reads and writes on behalf of external clients.
type App struct {
	*Adapter
}

// NewApp creates an app adapter around an app plugin instance.
func NewApp(name, pluginName string, inst plugin.Instance,
	desc *plugin.Descriptor, fab *bus.Bus, svc Services) (*App, error) {

	base, err := newAdapter(name, plugin.KindApp, pluginName, inst, desc, fab, svc)
	if err != nil {
		return nil, err
	}
	a := &App{Adapter: base}
	base.handler = a
	base.rt.Start()
	return a, nil
}

// handleEnvelope processes app-owned envelope kinds on the reactor
// goroutine. Snapshots, subscription notices, teardown notices and
// correlated responses all flow into the plugin, which matches
// responses to its own outstanding contexts.
func (a *App) handleEnvelope(env *msg.Envelope) {
	switch env.Type {
	case msg.TransData:
		a.met.Entry(metrics.MetricCacheMsgsTotal,
			"Snapshots received", metrics.RollingCounter).Add(1)
		if err := a.inst.Request(env); err != nil {
			logging.DebugLog("app", "%s: trans data: %v", a.Name(), err)
		}

	case msg.SubscribeGroup, msg.UpdateSubscribeGroup, msg.UnsubscribeGroup,
		msg.NodeDeleted, msg.RespError, msg.ReadGroupResp, msg.GetTagResp:
		if err := a.inst.Request(env); err != nil {
			logging.DebugLog("app", "%s: plugin request %s: %v", a.Name(), env.Type, err)
		}

	default:
		logging.DebugLog("app", "%s: dropping unhandled %s from %s",
			a.Name(), env.Type, env.Sender)
	}
}

// WriteTag originates a WRITE_TAG toward a driver and returns the
// correlation context the response will carry.
func (a *App) WriteTag(driver, group, tagName string, value json.RawMessage) (string, error) {
	ctx := uuid.NewString()
	env := &msg.Envelope{
		Type:     msg.WriteTag,
		Receiver: driver,
		Context:  ctx,
		Body: &msg.WriteTagBody{
			Driver: driver, Group: group, Tag: tagName, Value: value,
		},
	}
	if err := a.Send(driver, env); err != nil {
		return "", errcode.Newf(errcode.EInternal, "write to %s: %v", driver, err)
	}
	return ctx, nil
}

// ReadGroup originates a READ_GROUP toward a driver.
func (a *App) ReadGroup(driver, group string) (string, error) {
	ctx := uuid.NewString()
	env := &msg.Envelope{
		Type:     msg.ReadGroup,
		Receiver: driver,
		Context:  ctx,
		Body:     &msg.ReadGroupBody{Driver: driver, Group: group},
	}
	if err := a.Send(driver, env); err != nil {
		return "", errcode.Newf(errcode.EInternal, "read from %s: %v", driver, err)
	}
	return ctx, nil
}
