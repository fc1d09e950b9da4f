package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateBatchRequestValidate(t *testing.T) {
	valid := CreateBatchRequest{
		Options:   ToolOptions{Tool: ToolCompress},
		FileNames: []string{"a.jpg"},
	}
	require.NoError(t, valid.Validate())

	require.Error(t, CreateBatchRequest{}.Validate(), "empty request")

	missingFiles := CreateBatchRequest{Options: ToolOptions{Tool: ToolConvert}}
	require.Error(t, missingFiles.Validate())

	unsupported := CreateBatchRequest{
		Options:   ToolOptions{Tool: "sharpen"},
		FileNames: []string{"a.jpg"},
	}
	require.Error(t, unsupported.Validate())

	blankName := CreateBatchRequest{
		Options:   ToolOptions{Tool: ToolFlip},
		FileNames: []string{"a.jpg", " "},
	}
	require.Error(t, blankName.Validate())

	badHook := CreateBatchRequest{
		Options:    ToolOptions{Tool: ToolCompress},
		FileNames:  []string{"a.jpg"},
		WebhookURL: "not a url",
	}
	require.Error(t, badHook.Validate())

	badHook.WebhookURL = "https://hooks.example.test/imageverse"
	require.NoError(t, badHook.Validate())
}

func TestParseToolKindAliases(t *testing.T) {
	kind, err := ParseToolKind("Remove-BG")
	require.NoError(t, err)
	require.Equal(t, ToolRemoveBackground, kind)
}
