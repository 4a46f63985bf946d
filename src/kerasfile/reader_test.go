package kerasfile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/dtype"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
)

const testConfig = `{"class_name": "Sequential", "config": {"name": "sequential", "layers": []}}`

func createTestTensors(t *testing.T) []*ml.Tensor {
	t.Helper()
	kernel, err := ml.NewTensor("layers/dense/vars/0", []int{2, 3}, dtype.F32, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	bias, err := ml.NewTensor("layers/dense/vars/1", []int{3}, dtype.BF16, []float64{0.5, -0.5, 2})
	if err != nil {
		t.Fatal(err)
	}
	return []*ml.Tensor{kernel, bias}
}

func checkTestTensors(t *testing.T, archive *ModelArchive) {
	t.Helper()
	expectedKeys := []string{"layers/dense/vars/0", "layers/dense/vars/1"}
	if !reflect.DeepEqual(archive.Tensors.GetKeys(), expectedKeys) {
		t.Errorf("Expected keys %v, but got %v", expectedKeys, archive.Tensors.GetKeys())
	}
	kernel, err := archive.GetTensor("layers/dense/vars/0", []int{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(kernel.Data, []float64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Expected kernel data %v, but got %v", []float64{1, 2, 3, 4, 5, 6}, kernel.Data)
	}
	bias, err := archive.GetTensor("layers/dense/vars/1", []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if bias.DataType != dtype.BF16 || bias.Data[2] != 2 {
		t.Errorf("Expected BF16 bias ending with 2, but got %s %v", bias.DataType, bias.Data)
	}
	if _, err := archive.GetTensor("layers/dense/vars/0", []int{3, 2}); err == nil {
		t.Errorf("error expected for incorrect shape")
	}
	if _, err := archive.GetTensor("layers/lstm/cell/vars/0", []int{1}); err == nil {
		t.Errorf("error expected for missing tensor")
	}
}

func TestOpenZipArchive(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "model.keras")
	metadata := &Metadata{KerasVersion: "3.3.3", DateSaved: "2024-05-01@10:00:00"}
	if err := WriteArchive(zipPath, []byte(testConfig), metadata, createTestTensors(t)); err != nil {
		t.Fatal(err)
	}

	archive, err := Open(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(archive.Config) != testConfig {
		t.Errorf("Expected config %s, but got %s", testConfig, archive.Config)
	}
	if archive.Metadata == nil || archive.Metadata.KerasVersion != "3.3.3" {
		t.Errorf("Expected keras version 3.3.3, but got %+v", archive.Metadata)
	}
	checkTestTensors(t, archive)
}

func TestOpenDirectoryArchive(t *testing.T) {
	dirPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirPath, ConfigFileName), []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	var weights bytes.Buffer
	if err := WriteSafetensors(&weights, createTestTensors(t), map[string]string{"format": "keras"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirPath, WeightsFileName), weights.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	archive, err := Open(dirPath)
	if err != nil {
		t.Fatal(err)
	}
	if archive.Metadata != nil {
		t.Errorf("Expected no metadata, but got %+v", archive.Metadata)
	}
	if archive.WeightMetadata["format"] != "keras" {
		t.Errorf("Expected weight metadata format %q, but got %q", "keras", archive.WeightMetadata["format"])
	}
	checkTestTensors(t, archive)
}

func TestOpenArchiveMissingWeights(t *testing.T) {
	dirPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirPath, ConfigFileName), []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dirPath); err == nil {
		t.Errorf("error expected for missing weights file")
	}
}

func TestReadSafetensorsErrors(t *testing.T) {
	buildData := func(header string, body []byte) []byte {
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(len(header)))
		data = append(data, header...)
		return append(data, body...)
	}
	testCases := map[string][]byte{
		"too short":       {1, 2},
		"header too long": buildData(`{}`, nil)[:9],
		"bad json":        buildData(`{"a":`, nil),
		"unknown dtype":   buildData(`{"a":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8)),
		"out of range":    buildData(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4)),
		"size mismatch":   buildData(`{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8)),
	}
	for name, data := range testCases {
		if _, _, err := ReadSafetensors(data); err == nil {
			t.Errorf("%s: error expected", name)
		}
	}
}

func TestOrderedDict(t *testing.T) {
	dict := NewOrderedDict[int]()
	dict.Set("b", 1)
	dict.Set("a", 2)
	dict.Set("b", 3)
	if !reflect.DeepEqual(dict.GetKeys(), []string{"a", "b"}) {
		t.Errorf("Expected keys %v, but got %v", []string{"a", "b"}, dict.GetKeys())
	}
	if val, _ := dict.Get("b"); val != 3 {
		t.Errorf("Expected %d, but got %d", 3, val)
	}
	if dict.Len() != 2 {
		t.Errorf("Expected length %d, but got %d", 2, dict.Len())
	}
}
