package kerasfile

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
)

const (
	ConfigFileName   = "config.json"
	MetadataFileName = "metadata.json"
	WeightsFileName  = "model.weights.safetensors"
)

// ModelArchive is a saved model: either a zip file with the .keras layout or a
// directory holding the same entries. Weight tensors are named by their
// variable path, e.g. "layers/lstm/cell/vars/0".
type ModelArchive struct {
	Path     string
	Config   json.RawMessage
	Metadata *Metadata

	Tensors        *OrderedDict[*ml.Tensor]
	WeightMetadata map[string]string
}

func Open(modelPath string) (*ModelArchive, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, err
	}
	common.GLogger.ConsolePrintf("Loading model archive: \"%s\"...", modelPath)
	if info.IsDir() {
		return openDirectory(modelPath)
	}
	return openZip(modelPath)
}

func openDirectory(dirPath string) (*ModelArchive, error) {
	result := &ModelArchive{Path: dirPath}
	var err error
	if result.Config, err = os.ReadFile(filepath.Join(dirPath, ConfigFileName)); err != nil {
		return nil, fmt.Errorf("error reading model configuration: %w", err)
	}
	if metadataBytes, err := os.ReadFile(filepath.Join(dirPath, MetadataFileName)); err == nil {
		if result.Metadata, err = parseMetadata(metadataBytes); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading model metadata: %w", err)
	}

	memoryMapper, err := common.NewMemoryMapper(filepath.Join(dirPath, WeightsFileName))
	if err != nil {
		return nil, fmt.Errorf("error mapping model weights: %w", err)
	}
	// Tensors are decoded into their own buffers, so the mapping is released right after.
	defer memoryMapper.Unmap()
	if result.Tensors, result.WeightMetadata, err = ReadSafetensors(memoryMapper.Data); err != nil {
		return nil, err
	}
	return result, nil
}

func openZip(zipPath string) (*ModelArchive, error) {
	zipReader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("error opening model archive \"%s\": %w", zipPath, err)
	}
	defer zipReader.Close()

	result := &ModelArchive{Path: zipPath}
	if result.Config, err = readZipEntry(&zipReader.Reader, ConfigFileName); err != nil {
		return nil, err
	}
	if metadataBytes, err := readZipEntry(&zipReader.Reader, MetadataFileName); err == nil {
		if result.Metadata, err = parseMetadata(metadataBytes); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	weightBytes, err := readZipEntry(&zipReader.Reader, WeightsFileName)
	if err != nil {
		return nil, err
	}
	if result.Tensors, result.WeightMetadata, err = ReadSafetensors(weightBytes); err != nil {
		return nil, err
	}
	return result, nil
}

func readZipEntry(zipReader *zip.Reader, name string) ([]byte, error) {
	entry, err := zipReader.Open(name)
	if err != nil {
		return nil, fmt.Errorf("entry \"%s\" not found in model archive: %w", name, err)
	}
	defer entry.Close()
	return io.ReadAll(entry)
}

func parseMetadata(data []byte) (*Metadata, error) {
	result := &Metadata{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, fmt.Errorf("error parsing model metadata: %w", err)
	}
	return result, nil
}

func (ma *ModelArchive) GetTensor(name string, expectedShape []int) (*ml.Tensor, error) {
	result, ok := ma.Tensors.Get(name)
	if !ok {
		return nil, fmt.Errorf("tensor \"%s\" not found", name)
	}
	if err := ml.CheckShape(result, expectedShape); err != nil {
		return nil, err
	}
	return result, nil
}

// WriteArchive stores config, metadata and tensors as a zip file with the .keras layout.
func WriteArchive(zipPath string, config []byte, metadata *Metadata, tensors []*ml.Tensor) error {
	file, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer file.Close()

	zipWriter := zip.NewWriter(file)
	if err := writeZipEntry(zipWriter, ConfigFileName, config); err != nil {
		return err
	}
	if metadata != nil {
		metadataBytes, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		if err := writeZipEntry(zipWriter, MetadataFileName, metadataBytes); err != nil {
			return err
		}
	}
	// Stored uncompressed, like the weight entries written by Keras.
	weightsWriter, err := zipWriter.CreateHeader(&zip.FileHeader{Name: WeightsFileName, Method: zip.Store})
	if err != nil {
		return err
	}
	if err := WriteSafetensors(weightsWriter, tensors, nil); err != nil {
		return err
	}
	return zipWriter.Close()
}

func writeZipEntry(zipWriter *zip.Writer, name string, data []byte) error {
	w, err := zipWriter.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
