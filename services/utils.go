package services

import (
	"context"
	"fmt"
	"log"

	"outfitapi/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"gorm.io/gorm"
)

func stringMapToInterfaceMap(stringMap map[string]string) map[string]interface{} {
	interfaceMap := make(map[string]interface{})
	for key, value := range stringMap {
		interfaceMap[key] = value
	}
	return interfaceMap
}

// SendNotification pushes a completion alert to every active device token
// of the user. Failures are logged, never propagated, a lost push must not
// fail the task that triggered it.
func SendNotification(fbApp *firebase.App, db *gorm.DB, userId uint, title string, message string, customData map[string]string) {
	client, err := fbApp.Messaging(context.Background())
	if err != nil {
		fmt.Println("Error initing FB client", err)
		fmt.Println("Abort push: ", title)
		return
	}
	var tokens []models.UserPushToken
	result := db.Model(models.UserPushToken{}).Where(
		"user_account_id = ? and active = true", userId,
	).Find(&tokens)
	if result.Error != nil {
		fmt.Println("Error loading push tokens", result.Error)
		return
	}

	var iosCustomData map[string]interface{}
	if customData != nil {
		iosCustomData = stringMapToInterfaceMap(customData)
	}
	var messages []*messaging.Message
	for _, token := range tokens {
		fmt.Println("Push notification to token: ", token.Token, token.Platform, " ID:", token.ID, "User ID:", token.UserAccountID)
		messages = append(messages, &messaging.Message{
			Notification: &messaging.Notification{
				Title: title,
				Body:  message,
			},
			APNS: &messaging.APNSConfig{
				FCMOptions: &messaging.APNSFCMOptions{
					AnalyticsLabel: "outfitapi",
				},
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{
						ContentAvailable: true,
						Alert: &messaging.ApsAlert{
							Title: title,
							Body:  message,
						},
						Sound: "default",
					},
					CustomData: iosCustomData,
				},
			},
			Android: &messaging.AndroidConfig{
				Notification: &messaging.AndroidNotification{
					Priority:  messaging.AndroidNotificationPriority(messaging.PriorityMax),
					ChannelID: "outfitapi-high-priority",
				},
				Data: customData,
			},
			Token: token.Token,
		})
	}
	if len(messages) == 0 {
		return
	}
	br, err := client.SendEach(context.Background(), messages)
	if err != nil {
		log.Println("Error sending push batch:", err)
		return
	}
	fmt.Println("Push Fails: ", br.FailureCount)
	for _, fail := range br.Responses {
		if fail != nil && !fail.Success {
			fmt.Println(fail.Error, fail.MessageID, fail.Success)
		}
	}
	fmt.Println("Notifications sent")
}
