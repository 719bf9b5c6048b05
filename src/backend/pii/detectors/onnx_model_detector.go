package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

// ONNXModelDetector implements Detector with a token-classification NER
// model. It covers the context-dependent entity types (PERSON, LOCATION,
// organizations) that pattern recognizers cannot, and is the concrete form
// of the external recognizer collaborator.
type ONNXModelDetector struct {
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numLabels    int
	modelPath    string
}

const (
	onnxMaxSeqLen = 512
	// Token predictions below this confidence are treated as non-entities
	// when the caller does not supply a threshold.
	onnxDefaultThreshold = 0.5
)

// labelAliases maps model-native labels onto the tool's entity vocabulary.
// Token-classification models commonly split names and addresses into finer
// classes than the UI exposes.
var labelAliases = map[string]string{
	"FIRSTNAME":    LabelPerson,
	"SURNAME":      LabelPerson,
	"NAME":         LabelPerson,
	"CITY":         LabelLocation,
	"STREET":       LabelLocation,
	"STATE":        LabelLocation,
	"EMAIL":        LabelEmail,
	"TELEPHONENUM": LabelPhone,
	"CREDITCARD":   LabelCreditCard,
	"IPADDRESS":    LabelIPAddress,
	"URL":          LabelURL,
}

// safeUintToInt safely converts a uint to int with bounds checking
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// NewONNXModelDetector loads the tokenizer and label map eagerly; the ONNX
// session itself is created lazily on first Detect so construction stays
// cheap and a missing runtime library surfaces as a detection error, not a
// startup crash.
func NewONNXModelDetector(modelPath, tokenizerPath, labelMapPath string) (*ONNXModelDetector, error) {
	if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}
	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, err := loadLabelMap(labelMapPath)
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", closeErr)
		}
		return nil, err
	}

	numLabels := 0
	for idStr := range id2label {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil && id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		if closeErr := tk.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", closeErr)
		}
		return nil, fmt.Errorf("label map %s contains no numeric label ids", labelMapPath)
	}

	return &ONNXModelDetector{
		tokenizer: tk,
		id2label:  id2label,
		numLabels: numLabels,
		modelPath: modelPath,
	}, nil
}

func loadLabelMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label map: %w", err)
	}

	// Accept both a bare {"0": "O", ...} map and the nested
	// {"pii": {"id2label": {...}}} layout some export pipelines produce.
	var bare map[string]string
	if err := json.Unmarshal(data, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}
	var nested struct {
		PII struct {
			ID2Label map[string]string `json:"id2label"`
		} `json:"pii"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, fmt.Errorf("failed to parse label map: %w", err)
	}
	if len(nested.PII.ID2Label) == 0 {
		return nil, fmt.Errorf("label map %s has no id2label section", path)
	}
	return nested.PII.ID2Label, nil
}

// GetName returns the name of this detector
func (d *ONNXModelDetector) GetName() string {
	return DetectorNameONNX
}

// Detect tokenizes the input, runs inference, and merges B-/I- token labels
// into entity spans with character offsets into the original text.
func (d *ONNXModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	tokenIDs := encoding.IDs

	inputIDs := make([]int64, len(tokenIDs))
	attentionMask := make([]int64, len(tokenIDs))
	for i := range tokenIDs {
		inputIDs[i] = int64(tokenIDs[i])
		attentionMask[i] = 1
	}
	d.updateInputTensors(inputIDs, attentionMask)

	if err := d.session.Run(); err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
	}

	threshold := input.ScoreThreshold
	if threshold <= 0 {
		threshold = onnxDefaultThreshold
	}

	entities := d.decodeEntities(input.Text, tokenIDs, encoding.Offsets, threshold)
	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// decodeEntities walks the per-token logits, assigns each token its best
// label via softmax, and groups consecutive B-/I- tokens of the same base
// label into one entity.
func (d *ONNXModelDetector) decodeEntities(originalText string, tokenIDs []uint32, offsets []tokenizers.Offset, threshold float64) []Entity {
	outputData := d.outputTensor.GetData()
	entities := []Entity{}

	numTokens := len(tokenIDs)
	if len(offsets) < numTokens {
		numTokens = len(offsets)
	}

	var currentEntity *Entity
	var currentTokens []int

	for i := 0; i < numTokens; i++ {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(outputData) {
			break
		}
		tokenLogits := outputData[startIdx:endIdx]

		maxLogit := float64(-math.MaxFloat64)
		bestClass := 0
		for j, logit := range tokenLogits {
			if float64(logit) > maxLogit {
				maxLogit = float64(logit)
				bestClass = j
			}
		}

		label, exists := d.id2label[fmt.Sprintf("%d", bestClass)]
		if !exists {
			label = "O"
		}

		// Softmax over the token's logits for a calibrated confidence.
		var sum float64
		for _, logit := range tokenLogits {
			sum += math.Exp(float64(logit))
		}
		confidence := math.Exp(maxLogit) / sum
		if confidence < threshold {
			label = "O"
		}

		isBeginning := strings.HasPrefix(label, "B-")
		isInside := strings.HasPrefix(label, "I-")
		baseLabel := label
		if isBeginning || isInside {
			baseLabel = strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		}
		baseLabel = normalizeLabel(baseLabel)

		switch {
		case label != "O" && (isBeginning || currentEntity == nil):
			if currentEntity != nil {
				d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
				entities = append(entities, *currentEntity)
			}
			currentEntity = &Entity{
				Label:      baseLabel,
				Confidence: confidence,
			}
			currentTokens = []int{i}
		case label != "O" && isInside && currentEntity != nil && currentEntity.Label == baseLabel:
			currentTokens = append(currentTokens, i)
			currentEntity.Confidence = (currentEntity.Confidence + confidence) / 2
		default:
			if currentEntity != nil {
				d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
				entities = append(entities, *currentEntity)
				currentEntity = nil
				currentTokens = nil
			}
		}
	}

	if currentEntity != nil {
		d.finalizeEntity(currentEntity, currentTokens, originalText, offsets)
		entities = append(entities, *currentEntity)
	}

	return entities
}

// normalizeLabel maps a model-native label onto the tool's vocabulary.
func normalizeLabel(label string) string {
	if alias, ok := labelAliases[label]; ok {
		return alias
	}
	return label
}

// finalizeEntity extracts the actual text from the original string using token offsets
func (d *ONNXModelDetector) finalizeEntity(entity *Entity, tokenIndices []int, originalText string, offsets []tokenizers.Offset) {
	if len(tokenIndices) == 0 {
		return
	}
	startOffset := offsets[tokenIndices[0]]
	endOffset := offsets[tokenIndices[len(tokenIndices)-1]]

	entity.Text = originalText[startOffset[0]:endOffset[1]]
	entity.StartPos = safeUintToInt(startOffset[0])
	entity.EndPos = safeUintToInt(endOffset[1])
}

// initializeSession creates the ONNX session and its reusable tensors.
func (d *ONNXModelDetector) initializeSession() error {
	inputShape := onnxruntime.NewShape(1, onnxMaxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, onnxMaxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, onnxMaxSeqLen))
	if err != nil {
		destroyAll(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(1, onnxMaxSeqLen, int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyAll(inputTensor, maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyAll(inputTensor, maskTensor, outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor
	return nil
}

type destroyable interface {
	Destroy() error
}

func destroyAll(values ...destroyable) {
	for _, v := range values {
		if err := v.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy tensor during cleanup: %v\n", err)
		}
	}
}

// updateInputTensors updates the input tensors with new data
func (d *ONNXModelDetector) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}
	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close implements the Detector interface
func (d *ONNXModelDetector) Close() error {
	var errs []error

	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}
	if err := onnxruntime.DestroyEnvironment(); err != nil {
		errs = append(errs, fmt.Errorf("failed to destroy environment: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
