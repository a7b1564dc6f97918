package storage

import (
	"encoding/json"
	"errors"

	"almlp/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeImage(img model.StoredImage) ([]byte, error) {
	return json.Marshal(img)
}

func DecodeImage(data []byte) (model.StoredImage, error) {
	var img model.StoredImage
	if err := json.Unmarshal(data, &img); err != nil {
		return model.StoredImage{}, err
	}
	if err := checkVersion(img.VersionedRecord); err != nil {
		return model.StoredImage{}, err
	}
	return img, nil
}

func EncodeRunSummary(s model.RunSummary) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeRunSummary(data []byte) (model.RunSummary, error) {
	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return model.RunSummary{}, err
	}
	if err := checkVersion(summary.VersionedRecord); err != nil {
		return model.RunSummary{}, err
	}
	return summary, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
