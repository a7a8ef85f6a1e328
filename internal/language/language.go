// Package language holds the practice languages a live talk can run in and
// the user-facing strings that belong to each of them.
package language

import (
	"fmt"
	"slices"
)

// Code is a BCP-47 language tag such as "en-US".
type Code string

const (
	English    Code = "en-US"
	Korean     Code = "ko-KR"
	Vietnamese Code = "vi-VN"
)

// Default is used when no language is configured.
const Default = English

// Messages are the user-facing error strings for one language.
type Messages struct {
	// MicPermission is shown when microphone access is refused.
	MicPermission string
	// LiveError is shown when the live connection fails.
	LiveError string
}

type info struct {
	name     string
	messages Messages
}

var catalogue = map[Code]info{
	English: {
		name: "English",
		messages: Messages{
			MicPermission: "Microphone access denied. Please allow microphone access in your browser settings.",
			LiveError:     "A connection error occurred during the live session.",
		},
	},
	Korean: {
		name: "Korean",
		messages: Messages{
			MicPermission: "마이크 접근이 거부되었습니다. 브라우저 설정에서 마이크 접근을 허용해주세요.",
			LiveError:     "라이브 세션 중 연결 오류가 발생했습니다.",
		},
	},
	Vietnamese: {
		name: "Vietnamese",
		messages: Messages{
			MicPermission: "Quyền truy cập micrô bị từ chối. Vui lòng cho phép truy cập micrô trong cài đặt trình duyệt của bạn.",
			LiveError:     "Đã xảy ra lỗi kết nối trong phiên trực tiếp.",
		},
	},
}

// Supported returns all known codes in a stable order.
func Supported() []Code {
	codes := make([]Code, 0, len(catalogue))
	for c := range catalogue {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

// Parse validates s as a supported code. The empty string yields [Default].
func Parse(s string) (Code, error) {
	if s == "" {
		return Default, nil
	}
	c := Code(s)
	if _, ok := catalogue[c]; !ok {
		return "", fmt.Errorf("language: unsupported language %q (supported: %v)", s, Supported())
	}
	return c, nil
}

// Name returns the English display name, e.g. "Korean". Unknown codes
// return the code itself.
func (c Code) Name() string {
	if i, ok := catalogue[c]; ok {
		return i.name
	}
	return string(c)
}

// Messages returns the strings for c, falling back to English.
func (c Code) Messages() Messages {
	if i, ok := catalogue[c]; ok {
		return i.messages
	}
	return catalogue[English].messages
}

// SystemInstruction returns the default conversation-partner instruction for
// a practice session in c.
func (c Code) SystemInstruction() string {
	name := c.Name()
	return fmt.Sprintf("You are a friendly and helpful conversation partner. The user wants to practice speaking %s. "+
		"Please converse with them naturally in %s. Keep your responses concise and engaging to encourage the user to speak more.",
		name, name)
}
