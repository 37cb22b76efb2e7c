package oneflow

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DataType is OneFlow's on-disk dtype enum, as serialized in job protos and
// checkpoint metadata.
type DataType int32

// Values from OneFlow's data_type.proto. Only the tensor dtypes the converter
// supports are named; the rest (kChar, kOFRecord, kTensorBuffer) are rejected.
const (
	DataTypeInvalid DataType = 0
	DataTypeFloat   DataType = 2
	DataTypeDouble  DataType = 3
	DataTypeInt8    DataType = 4
	DataTypeInt32   DataType = 5
	DataTypeInt64   DataType = 6
	DataTypeUInt8   DataType = 7
	DataTypeFloat16 DataType = 9
)

// dtypeForOneFlow converts a OneFlow data type to a gomlx data type.
func dtypeForOneFlow(oneflowDType DataType) (dtypes.DType, error) {
	switch oneflowDType {
	case DataTypeFloat:
		return dtypes.Float32, nil
	case DataTypeDouble:
		return dtypes.Float64, nil
	case DataTypeInt8:
		return dtypes.Int8, nil
	case DataTypeInt32:
		return dtypes.Int32, nil
	case DataTypeInt64:
		return dtypes.Int64, nil
	case DataTypeUInt8:
		return dtypes.Uint8, nil
	case DataTypeFloat16:
		return dtypes.Float16, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown OneFlow data type %d", oneflowDType)
	}
}
