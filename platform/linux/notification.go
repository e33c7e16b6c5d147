//go:build linux

package linux

import (
	"context"

	"github.com/sagernet/sing-vpn/platform"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsDestination = "org.freedesktop.Notifications"
	notificationsPath        = "/org/freedesktop/Notifications"
)

func notificationsObject() (dbus.BusObject, error) {
	sessionBus, err := dbus.SessionBus()
	if err != nil {
		return nil, E.Cause(err, "connect session bus")
	}
	return sessionBus.Object(notificationsDestination, notificationsPath), nil
}

func (h *Host) notify(ctx context.Context, replacesID uint32, notification *platform.Notification) (uint32, error) {
	object, err := notificationsObject()
	if err != nil {
		return 0, err
	}
	summary := notification.Title
	if notification.Subtitle != "" {
		summary += " - " + notification.Subtitle
	}
	hints := map[string]dbus.Variant{}
	if notification.TypeName != "" {
		hints["category"] = dbus.MakeVariant(notification.TypeName)
	}
	var id uint32
	err = object.CallWithContext(ctx, notificationsDestination+".Notify", 0,
		h.appName, replacesID, "network-vpn", summary, notification.Body, []string{}, hints, int32(-1),
	).Store(&id)
	if err != nil {
		return 0, E.Cause(err, "Notify")
	}
	return id, nil
}

func (h *Host) SendNotification(ctx context.Context, notification *platform.Notification) error {
	_, err := h.notify(ctx, 0, notification)
	return err
}

// ShowNotification shows or replaces the persistent service notification.
func (h *Host) ShowNotification(ctx context.Context, notification *platform.Notification) error {
	h.access.Lock()
	replacesID := h.notificationID
	h.access.Unlock()
	id, err := h.notify(ctx, replacesID, notification)
	if err != nil {
		return err
	}
	h.access.Lock()
	h.notificationID = id
	h.access.Unlock()
	return nil
}

func (h *Host) WithdrawNotification(ctx context.Context) error {
	h.access.Lock()
	id := h.notificationID
	h.notificationID = 0
	h.access.Unlock()
	if id == 0 {
		return nil
	}
	object, err := notificationsObject()
	if err != nil {
		return err
	}
	return object.CallWithContext(ctx, notificationsDestination+".CloseNotification", 0, id).Err
}
