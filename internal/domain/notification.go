package domain

// NotificationType is the RTDN subscriptionNotification.notificationType.
type NotificationType int

const (
	NotificationRecovered            NotificationType = 1
	NotificationRenewed              NotificationType = 2
	NotificationCanceled             NotificationType = 3
	NotificationPurchased            NotificationType = 4
	NotificationOnHold               NotificationType = 5
	NotificationInGracePeriod        NotificationType = 6
	NotificationRestarted            NotificationType = 7
	NotificationPriceChangeConfirmed NotificationType = 8
	NotificationDeferred             NotificationType = 9
	NotificationPaused               NotificationType = 10
	NotificationPauseScheduleChanged NotificationType = 11
	NotificationRevoked              NotificationType = 12
	NotificationExpired              NotificationType = 13
)

var notificationNames = map[NotificationType]string{
	NotificationRecovered:            "SUBSCRIPTION_RECOVERED",
	NotificationRenewed:              "SUBSCRIPTION_RENEWED",
	NotificationCanceled:             "SUBSCRIPTION_CANCELED",
	NotificationPurchased:            "SUBSCRIPTION_PURCHASED",
	NotificationOnHold:               "SUBSCRIPTION_ON_HOLD",
	NotificationInGracePeriod:        "SUBSCRIPTION_IN_GRACE_PERIOD",
	NotificationRestarted:            "SUBSCRIPTION_RESTARTED",
	NotificationPriceChangeConfirmed: "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED",
	NotificationDeferred:             "SUBSCRIPTION_DEFERRED",
	NotificationPaused:               "SUBSCRIPTION_PAUSED",
	NotificationPauseScheduleChanged: "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED",
	NotificationRevoked:              "SUBSCRIPTION_REVOKED",
	NotificationExpired:              "SUBSCRIPTION_EXPIRED",
}

func (n NotificationType) String() string {
	if name, ok := notificationNames[n]; ok {
		return name
	}
	return "UNKNOWN"
}
