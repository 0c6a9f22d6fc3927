package services

import "os"

func StrPointer(str string) *string {
	if str == "" {
		return nil
	}
	return &str
}

func Int32Pointer(i int32) *int32 {
	return &i
}

func floatPointer(f float32) *float32 {
	return &f
}

func GetEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}
